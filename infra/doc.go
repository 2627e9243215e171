// Package infra contains technical adapters: MQTT clients, storage
// backends, write mirrors and metrics exporters. These packages should
// depend only on the interfaces defined in the core packages.
package infra
