// Package femtoweb implements an admission-controlled HTTP server modeled on
// the constraints of memory-starved platforms: every accepted connection
// passes an admission gate backed by a heap monitor, admitted requests wait
// in a bounded queue, and a single drain loop activates them only while
// memory and concurrency allow. Overload answers are a fixed pre-built 503
// so the rejection path never allocates.
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto`
// (default `tcp`) and address `Config.Listen`.
//
//	cfg := femtoweb.Config{
//	    Listen: ":8080",
//	    Limits: femtoweb.QueueLimits{
//	        MaxQueueDepth:       64,
//	        MaxConcurrentActive: 8,
//	    },
//	}
//	srv, err := femtoweb.New(cfg)
//	if err != nil { log.Fatal(err) }
//	srv.On("/hello", femtoweb.MethodGet, func(w *femtoweb.ResponseWriter, r *femtoweb.Request) {
//	    w.WriteText(http.StatusOK, "hello\n")
//	})
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("femtoweb: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("femtoweb shutdown: %v", err)
//	    }
//	}()
//
// # Admission and the request queue
//
// Two layers of thresholds guard the queue. Platform floors
// (`Config.HeapFloor`, `Config.AllocFloor`) are hard limits: a connection
// arriving below either floor is dropped without a response, because even
// formatting a 503 costs memory the process does not have. Configured limits
// (`Config.Limits`) are softer: a connection over `MaxQueueDepth` or under
// `MinFreeHeapToQueue` receives the canned 503 and is closed. Everything
// else is admitted, given a read timeout, and appended to the queue in
// arrival order.
//
// Queued requests activate through a single drain loop. Each pass re-reads
// the heap monitor, honours `MaxConcurrentActive` and
// `MinFreeHeapToActivate`, and always lets the first request through when
// nothing is active so the queue cannot stall. Limits can be replaced at
// runtime with `SetQueueLimits`; changes apply to subsequent admission and
// drain decisions.
//
// # Routing
//
// Rewrites run before handler selection and every matching rule fires in
// order, so chained rewrites compose:
//
//	srv.Rewrite("/old", "/new")
//	srv.On("/new", femtoweb.MethodGet, handler)
//
// Handlers are tried in registration order and the first one whose filter
// and match accept the request wins. A path ending in `*` matches by
// prefix. `NotFound` configures the catch-all, and `ServeStatic` mounts a
// directory without emitting caching headers.
//
// # Diagnostics
//
// `PrintStatus` renders a bounded snapshot of the queue (request id, peer,
// state, age, response progress) for an operator. `MetricsListen` exposes a
// Prometheus endpoint with admission verdicts, activations, deferrals, and
// live queue gauges; `PprofListen` serves net/http/pprof.
//
// Consult README.md and the cmd/femtod CLI for flags, environment variables,
// and configuration-file reload behaviour.
package femtoweb
