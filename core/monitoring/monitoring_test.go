package monitoring

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMonitor struct {
	errs    []error
	tags    []map[string]string
	panics  []any
	flushed int
}

func (f *fakeMonitor) CaptureException(err error, tags map[string]string) {
	f.errs = append(f.errs, err)
	f.tags = append(f.tags, tags)
}
func (f *fakeMonitor) CapturePanic(r any)  { f.panics = append(f.panics, r) }
func (f *fakeMonitor) Flush(time.Duration) { f.flushed++ }

func use(t *testing.T) *fakeMonitor {
	t.Helper()
	prev := current
	f := &fakeMonitor{}
	Init(f)
	t.Cleanup(func() { current = prev })
	return f
}

func TestPanicError(t *testing.T) {
	f := use(t)
	cause := errors.New("nil map")
	err := PanicError(cause, map[string]string{"module": "ingest"})
	assert.ErrorIs(t, err, cause)
	assert.EqualError(t, PanicError("boom", nil), "panic: boom")
	require.Len(t, f.errs, 2)
	assert.Equal(t, "ingest", f.tags[0]["module"])
}

func TestRecoverReportsAndRepanics(t *testing.T) {
	f := use(t)
	assert.PanicsWithValue(t, "boom", func() {
		defer Recover()
		panic("boom")
	})
	assert.Equal(t, []any{"boom"}, f.panics)
	assert.Equal(t, 1, f.flushed)
}

func TestCaptureNilIgnored(t *testing.T) {
	f := use(t)
	CaptureException(nil, nil)
	assert.Empty(t, f.errs)
	Init(nil)
	assert.Same(t, f, current)
}
