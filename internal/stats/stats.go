package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/rs/zerolog"
)

const (
	FramesReceived = "FramesReceived"
	FramesDropped  = "FramesDropped"
	FramesSent     = "FramesSent"
	Reconnects     = "Reconnects"
	MessagesSent   = "MessagesSent"
	ReceiptsSent   = "ReceiptsSent"
)

// StatsProvider counts client events by metric name.
type StatsProvider interface {
	Incr(name string)
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
	log        zerolog.Logger
}

type metricsUpdateReq struct {
	name  string
	value int
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a stats updater with every client metric registered
// and mounts its handler on mux.
func NewStatsUpdater(mux *http.ServeMux, logger zerolog.Logger) *StatsUpdater {
	su := &StatsUpdater{
		vars:       new(expvar.Map).Init(),
		updateChan: make(chan *metricsUpdateReq, 512),
		log:        logger,
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	for _, name := range []string{FramesReceived, FramesDropped, FramesSent, Reconnects, MessagesSent, ReceiptsSent} {
		su.register(name)
	}
}

func (su *StatsUpdater) updateMetrics() {
	for req := range su.updateChan {
		metric, ok := su.vars.Get(req.name).(*expvar.Int)
		if !ok {
			su.log.Warn().Str("metric", req.name).Msg("metric not registered")
			continue
		}

		metric.Add(int64(req.value))
	}
}

func (su *StatsUpdater) queue(req *metricsUpdateReq) {
	select {
	case su.updateChan <- req:
	default:
		su.log.Warn().Str("metric", req.name).Msg("stats update channel full, dropping update")
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.queue(&metricsUpdateReq{name: name, value: 1})
}

func (su *StatsUpdater) register(name string) {
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	close(su.updateChan)
}

// NewDebugServer serves mux on addr with request logging and panic recovery.
func NewDebugServer(addr string, mux *http.ServeMux, logger zerolog.Logger) *http.Server {
	var h http.Handler = handlers.CombinedLoggingHandler(logger, mux)
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)

	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type discard struct{}

// Discard is a StatsProvider that records nothing.
var Discard StatsProvider = discard{}

func (discard) Incr(string) {}
