// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Command sid is the storage instantiation daemon. Started plainly it runs
// the main process: it opens the KV store, listens on the client socket
// and dispatches requests to the scan pipeline. Re-exec'd with SID_WORKER=1
// in its environment (set by worker.Pool.Spawn) it instead runs the
// worker-side control loop, matching the re-exec worker model this project
// uses in place of fork() (spec.md 4.6).
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/jacobsa/daemonize"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sid-project/sid/bridge"
	"github.com/sid-project/sid/command"
	"github.com/sid-project/sid/daemon"
	"github.com/sid-project/sid/metrics"
	sidproto "github.com/sid-project/sid/proto"
	"github.com/sid-project/sid/scan"
	"github.com/sid-project/sid/worker"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON config file")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
	detach := flag.Bool("daemonize", false, "fork into the background and exit once the child is listening")
	flag.Parse()

	if *detach && os.Getenv("SID_WORKER") == "" {
		daemonizeSelf()
		return
	}

	cfg, err := daemon.LoadConfig(*configPath)
	if err != nil {
		daemon.NewLogger("sid").Fatal("loading config: %v", err)
	}
	daemon.SetOutputLevel(daemon.ParseLevel(cfg.LogLevel))

	if os.Getenv("SID_WORKER") == "1" {
		runWorker(cfg)
		return
	}
	runMain(cfg, *metricsAddr)
}

// daemonizeSelf re-execs the daemon detached from the controlling
// terminal, mirroring the fork-exec-and-wait-for-readiness pattern
// jacobsa/daemonize implements for gcsfuse-style CLI daemons. The parent
// blocks until the child signals it is listening (or exits with an
// error), then exits itself.
func daemonizeSelf() {
	args := make([]string, 0, len(os.Args)-1)
	for _, a := range os.Args[1:] {
		if a != "-daemonize" && a != "--daemonize" {
			args = append(args, a)
		}
	}
	env := append(os.Environ(), "SID_DAEMONIZED=1")
	if err := daemonize.Run(os.Args[0], args, env, os.Stderr); err != nil {
		daemon.NewLogger("sid").Fatal("daemonize: %v", err)
	}
}

func runMain(cfg daemon.Config, metricsAddr string) {
	log := daemon.NewLogger("sid")

	ctx, err := daemon.NewContext(cfg, "sid")
	if err != nil {
		log.Fatal("initializing common context: %v", err)
	}
	defer ctx.Close()

	if cfg.ReloadSnapshotOnStart {
		if err := reloadSnapshot(ctx, cfg.SnapshotPath); err != nil {
			log.Warn("snapshot reload skipped: %v", err)
		}
	}

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
			log.Info("serving metrics on %s", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Error("metrics server exited: %v", err)
			}
		}()
	}

	pipeline := scan.NewPipeline(ctx.Store, scan.NewRegistry(), scan.NewPosixSysfs(), ctx.Generation)
	pool := worker.NewPool(cfg, log)
	pool.OnExit = func(id string, err error) {
		if err != nil {
			log.Warn("worker %s exited: %v", id, err)
		} else {
			log.Debug("worker %s exited", id)
		}
	}

	var runner bridge.Runner = &bridge.InProcessRunner{Pipeline: pipeline}
	if cfg.WorkerBinary != "" || os.Getenv("SID_FORCE_WORKERS") == "1" {
		runner = &bridge.WorkerRunner{Pool: pool, MainStore: ctx.Store}
	}
	srv := bridge.NewServer(runner, ctx.Store, cfg.SnapshotPath, log)

	listener, err := bridge.Listen(cfg.SocketPath)
	if err != nil {
		if os.Getenv("SID_DAEMONIZED") == "1" {
			daemonize.SignalOutcome(err)
		}
		log.Fatal("listening on %s: %v", cfg.SocketPath, err)
	}
	log.Info("listening on %s (generation %d, boot-id %s)", cfg.SocketPath, ctx.Generation, ctx.BootID)
	if os.Getenv("SID_DAEMONIZED") == "1" {
		daemonize.SignalOutcome(nil)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	stop := make(chan struct{})
	go func() {
		<-sig
		log.Info("shutting down")
		close(stop)
	}()

	if err := srv.Serve(listener, stop); err != nil {
		log.Error("server exited: %v", err)
	}
}

// runWorker is the worker-side control loop entrypoint. A real worker
// runs the scan pipeline against its own local store copy, private to
// this process's lifetime, then exports the SYNC-flagged delta back to
// the proxy alongside the udev-property response buffer already built by
// the pipeline's EXIT phase (spec.md 4.6, 4.7). The channel handshake
// itself lives in package worker; this wires it to the scan pipeline for
// one process lifetime.
func runWorker(cfg daemon.Config) {
	log := daemon.NewLogger("sid-worker")

	if ppid, err := strconv.Atoi(os.Getenv("SID_WORKER_PARENT_PID")); err == nil {
		if verifyErr := worker.VerifyParent(ppid); verifyErr != nil {
			log.Warn("parent %d already gone at startup, exiting: %v", ppid, verifyErr)
			return
		}
	}

	ch, err := worker.FromFD(3, "sid-worker-control")
	if err != nil {
		log.Fatal("opening control channel: %v", err)
	}
	defer ch.Close()

	localDB := filepath.Join(os.TempDir(), "sid-worker-"+os.Getenv("SID_WORKER_ID")+".kv")
	defer os.Remove(localDB)

	workerCfg := cfg
	workerCfg.DBPath = localDB
	ctx, err := daemon.NewContext(workerCfg, "sid-worker")
	if err != nil {
		log.Fatal("initializing common context: %v", err)
	}
	defer ctx.Close()

	pipeline := scan.NewPipeline(ctx.Store, scan.NewRegistry(), scan.NewPosixSysfs(), ctx.Generation)

	for {
		msg, err := ch.Recv()
		if err != nil {
			return
		}
		switch msg.Tag {
		case worker.TagYield:
			return
		case worker.TagNoop:
			continue
		case worker.TagData:
			runOneCommand(ch, pipeline, msg.Payload)
		default:
			log.Warn("unexpected message tag %d on control channel", msg.Tag)
		}
	}
}

// runOneCommand decodes one SCAN request forwarded by the proxy, runs it
// against the worker's local store, and replies with the pipeline's
// response bytes plus a memfd holding the exported SYNC delta
// (spec.md 4.6, 4.7). Any error is reported back as a plain TagData
// message instead of TagDataExt, so the proxy never waits on a missing FD.
func runOneCommand(ch *worker.Channel, pipeline *scan.Pipeline, payload []byte) {
	cmd := command.New(os.Getenv("SID_WORKER_ID"), sidproto.Header{Cmd: sidproto.CmdScan})

	if err := scan.ParseScanPayload(cmd, payload); err != nil {
		_ = ch.Send(worker.Message{Tag: worker.TagData, Payload: []byte(err.Error())})
		return
	}
	if err := scan.ImportUdevEnv(cmd, pipeline.Store, pipeline.Gennum); err != nil {
		_ = ch.Send(worker.Message{Tag: worker.TagData, Payload: []byte(err.Error())})
		return
	}
	if err := pipeline.Run(cmd); err != nil {
		_ = ch.Send(worker.Message{Tag: worker.TagData, Payload: []byte(err.Error())})
		return
	}

	syncFile, err := bridge.ExportSyncBuffer(pipeline.Store)
	if err != nil {
		_ = ch.Send(worker.Message{Tag: worker.TagData, Payload: []byte(err.Error())})
		return
	}
	defer syncFile.Close()

	_ = ch.Send(worker.Message{Tag: worker.TagDataExt, Payload: cmd.Response.Bytes(), FD: int(syncFile.Fd())})
}

func reloadSnapshot(ctx *daemon.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return daemon.RestoreSnapshot(ctx.Store, f)
}
