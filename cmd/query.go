package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/kilianp07/fleetlive/app/plugins"
	"github.com/kilianp07/fleetlive/core/dashboard"
	"github.com/kilianp07/fleetlive/core/livestate"
	"github.com/kilianp07/fleetlive/core/model"
	"github.com/kilianp07/fleetlive/core/persistence"
	"github.com/kilianp07/fleetlive/infra/logger"
)

var (
	trendRange   string
	routeFrom    string
	routeTo      string
	latestWindow time.Duration
	queryTimeout time.Duration
	fence        model.Geofence
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Run analytics against the configured storage backend",
}

func init() {
	trend := &cobra.Command{
		Use:   "trend",
		Short: "Average and maximum fleet speed per bucket",
		Args:  cobra.NoArgs,
		RunE: withDashboard(func(ctx context.Context, svc *dashboard.Service, _ []string) (any, error) {
			r, err := dashboard.ParseTrendRange(trendRange)
			if err != nil {
				return nil, err
			}
			return svc.GetSpeedTrend(ctx, r)
		}),
	}
	trend.Flags().StringVar(&trendRange, "range", string(dashboard.Range7d), "24h, 7d or 30d")

	fuel := &cobra.Command{
		Use:   "fuel",
		Short: "Top fuel consumers over the last 24h",
		Args:  cobra.NoArgs,
		RunE: withDashboard(func(ctx context.Context, svc *dashboard.Service, _ []string) (any, error) {
			return svc.GetFuelConsumption(ctx)
		}),
	}
	idle := &cobra.Command{
		Use:   "idle",
		Short: "Share of samples per status over the last 24h",
		Args:  cobra.NoArgs,
		RunE: withDashboard(func(ctx context.Context, svc *dashboard.Service, _ []string) (any, error) {
			return svc.GetIdleRatio(ctx)
		}),
	}
	distance := &cobra.Command{
		Use:   "distance",
		Short: "Estimated daily distance over the last 7 days",
		Args:  cobra.NoArgs,
		RunE: withDashboard(func(ctx context.Context, svc *dashboard.Service, _ []string) (any, error) {
			return svc.GetDistanceStats(ctx)
		}),
	}
	history := &cobra.Command{
		Use:   "history <vehicle-id>",
		Short: "Newest samples of one vehicle",
		Args:  cobra.ExactArgs(1),
		RunE: withDashboard(func(ctx context.Context, svc *dashboard.Service, args []string) (any, error) {
			return svc.GetHistory(ctx, args[0])
		}),
	}
	route := &cobra.Command{
		Use:   "route <vehicle-id>",
		Short: "Samples of one vehicle between --from and --to, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: withDashboard(func(ctx context.Context, svc *dashboard.Service, args []string) (any, error) {
			from, err := time.Parse(time.RFC3339, routeFrom)
			if err != nil {
				return nil, fmt.Errorf("--from: %w", err)
			}
			to, err := time.Parse(time.RFC3339, routeTo)
			if err != nil {
				return nil, fmt.Errorf("--to: %w", err)
			}
			return svc.GetRouteHistory(ctx, args[0], from, to)
		}),
	}
	route.Flags().StringVar(&routeFrom, "from", "", "start time (RFC 3339)")
	route.Flags().StringVar(&routeTo, "to", "", "end time (RFC 3339)")
	_ = route.MarkFlagRequired("from")
	_ = route.MarkFlagRequired("to")

	latest := &cobra.Command{
		Use:   "latest",
		Short: "Latest stored sample of every vehicle",
		Args:  cobra.NoArgs,
		RunE: withDashboard(func(ctx context.Context, svc *dashboard.Service, _ []string) (any, error) {
			return svc.GetRecentVehicles(ctx, latestWindow)
		}),
	}
	latest.Flags().DurationVar(&latestWindow, "window", 24*time.Hour, "how far back to look")

	geofences := &cobra.Command{
		Use:   "geofences",
		Short: "Manage geofences in the storage backend",
	}
	listFences := &cobra.Command{
		Use:   "list",
		Short: "Every geofence, newest first",
		Args:  cobra.NoArgs,
		RunE: withDashboard(func(ctx context.Context, svc *dashboard.Service, _ []string) (any, error) {
			return svc.ListGeofences(ctx)
		}),
	}
	createFence := &cobra.Command{
		Use:   "create",
		Short: "Add a circular geofence",
		Args:  cobra.NoArgs,
		RunE: withDashboard(func(ctx context.Context, svc *dashboard.Service, _ []string) (any, error) {
			return svc.CreateGeofence(ctx, fence)
		}),
	}
	createFence.Flags().StringVar(&fence.Name, "name", "", "display name")
	createFence.Flags().Float64Var(&fence.CenterLat, "lat", 0, "center latitude")
	createFence.Flags().Float64Var(&fence.CenterLng, "lng", 0, "center longitude")
	createFence.Flags().Float64Var(&fence.RadiusMeters, "radius", 0, "radius in meters")
	createFence.Flags().StringVar(&fence.Color, "color", model.DefaultGeofenceColor, "map color")
	_ = createFence.MarkFlagRequired("name")
	_ = createFence.MarkFlagRequired("radius")
	deleteFence := &cobra.Command{
		Use:   "delete <geofence-id>",
		Short: "Remove one geofence",
		Args:  cobra.ExactArgs(1),
		RunE: withDashboard(func(ctx context.Context, svc *dashboard.Service, args []string) (any, error) {
			if err := svc.DeleteGeofence(ctx, args[0]); err != nil {
				return nil, err
			}
			return map[string]string{"deleted": args[0]}, nil
		}),
	}
	geofences.AddCommand(listFences, createFence, deleteFence)

	queryCmd.PersistentFlags().DurationVar(&queryTimeout, "timeout", 30*time.Second, "query timeout")
	queryCmd.AddCommand(trend, fuel, idle, distance, history, route, latest, geofences)
	rootCmd.AddCommand(queryCmd)
}

type queryFunc func(ctx context.Context, svc *dashboard.Service, args []string) (any, error)

// withDashboard opens the configured backend, runs q against a dashboard
// service without live data and prints the result as JSON.
func withDashboard(q queryFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, logCloser, err := loadConfig()
		if err != nil {
			return err
		}
		defer logCloser.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), queryTimeout)
		defer cancel()
		backend, err := persistence.NewBackend(ctx, cfg.Storage, persistence.BuildOptions{
			IdleSpeed: cfg.LiveState.IdleSpeed,
			Logger:    logger.New("storage"),
		})
		if err != nil {
			return fmt.Errorf("storage %s: %w", cfg.Storage.Type, err)
		}
		defer backend.Close()

		var opts []dashboard.Option
		if gs, ok := backend.(persistence.GeofenceStore); ok {
			opts = append(opts, dashboard.WithGeofences(gs))
		}
		svc := dashboard.NewService(livestate.New(cfg.LiveState), backend, cfg.Dashboard, opts...)
		out, err := q(ctx, svc, args)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
