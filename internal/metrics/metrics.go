package metrics

import (
	"time"

	gometrics "github.com/hashicorp/go-metrics"
)

var (
	RPCCallCount       = []string{"fleetmesh", "rpc", "call", "count"}
	RPCCallErrorCount  = []string{"fleetmesh", "rpc", "call", "error", "count"}
	RPCCallLatency     = []string{"fleetmesh", "rpc", "call", "latency"}
	RPCServeCount      = []string{"fleetmesh", "rpc", "serve", "count"}
	RPCServeErrorCount = []string{"fleetmesh", "rpc", "serve", "error", "count"}

	AnnounceOutCount      = []string{"fleetmesh", "announce", "out", "count"}
	AnnounceInCount       = []string{"fleetmesh", "announce", "in", "count"}
	AnnounceInErrorCount  = []string{"fleetmesh", "announce", "in", "error", "count"}
	DirectoryPeers        = []string{"fleetmesh", "directory", "peers"}
	DirectoryPollErrCount = []string{"fleetmesh", "directory", "poll", "error", "count"}

	RegistrySweepDeregCount = []string{"fleetmesh", "registry", "sweep", "deregistered", "count"}

	NodeSpawnCount      = []string{"fleetmesh", "node", "spawn", "count"}
	NodeSpawnErrorCount = []string{"fleetmesh", "node", "spawn", "error", "count"}
	NodeStopCount       = []string{"fleetmesh", "node", "stop", "count"}
	NodeKillCount       = []string{"fleetmesh", "node", "kill", "count"}
	NodeAdoptCount      = []string{"fleetmesh", "node", "adopt", "count"}
	TemplateNodes       = []string{"fleetmesh", "template", "nodes"}
	TemplatePlayers     = []string{"fleetmesh", "template", "players"}
	PlacementRefused    = []string{"fleetmesh", "placement", "refused", "count"}
)

type Label string

var (
	LabelEndpoint Label = "endpoint"
	LabelError    Label = "error"
	LabelPeer     Label = "peer"
	LabelStatus   Label = "status"
	LabelTemplate Label = "template"
	LabelReason   Label = "reason"
)

// M builds a go-metrics label.
func (l Label) M(val string) gometrics.Label {
	return gometrics.Label{Name: string(l), Value: val}
}

// OrBlackhole returns sink, or a sink that drops everything when sink is nil.
func OrBlackhole(sink gometrics.MetricSink) gometrics.MetricSink {
	if sink == nil {
		return &gometrics.BlackholeSink{}
	}
	return sink
}

// NewInmem builds the in-memory sink used by the binaries. SIGUSR1 dumps it
// to stderr.
func NewInmem(interval, retain time.Duration) *gometrics.InmemSink {
	sink := gometrics.NewInmemSink(interval, retain)
	gometrics.DefaultInmemSignal(sink)
	return sink
}

// Since reports the elapsed milliseconds since start as a sample.
func Since(sink gometrics.MetricSink, key []string, start time.Time, labels ...gometrics.Label) {
	elapsed := float32(time.Since(start).Seconds() * 1000)
	sink.AddSampleWithLabels(key, elapsed, labels)
}
