// Package main is the CLI entry point for the two CMB subcommands (spec
// §6). Grounded on the teacher's main.go (flag-based startup, op/go-logging
// setup via internal/logging) generalized from a single-config mixnet
// daemon into a two-subcommand (server/client) CLI with explicit
// os.Exit codes.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cmb-protocol/cmb/internal/cliconfig"
	"github.com/cmb-protocol/cmb/internal/coordinator"
	"github.com/cmb-protocol/cmb/internal/fetcherflow"
	"github.com/cmb-protocol/cmb/internal/logging"
	"github.com/cmb-protocol/cmb/internal/protoerr"
	"github.com/cmb-protocol/cmb/internal/providerflow"
	"github.com/cmb-protocol/cmb/internal/resource"
	"github.com/cmb-protocol/cmb/internal/transport"
	"github.com/cmb-protocol/cmb/internal/wire"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s server [-a ADDR]+ [-p PORT]+ [-v] FILE\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       %s client [-a ADDR]+ [-p PORT]+ [-r RATE]+ [-v] RESOURCE_ID OUTPUT\n", os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "server":
		err = runServer(os.Args[2:])
	case "client":
		err = runClient(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(args []string) error {
	cfg, err := cliconfig.ParseServer(args)
	if err != nil {
		return err
	}
	backend, err := logging.New("INFO", cfg.Verbose)
	if err != nil {
		return err
	}
	log := backend.Get("server")

	data, err := os.ReadFile(cfg.File)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", protoerr.ErrConfig, cfg.File, err)
	}
	id := resource.ComputeID(data)
	fmt.Println(id.String())

	numBlocks := resource.NumBlocks(id.Length)
	readBlock := func(blockID uint64) ([]byte, error) {
		start, end := resource.BlockByteRange(id.Length, blockID)
		return data[start:end], nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, ep := range cfg.Endpoints {
		wg.Add(1)
		go func(ep cliconfig.Endpoint) {
			defer wg.Done()
			if err := serveEndpoint(ctx, log, ep, id, numBlocks, readBlock); err != nil {
				log.Errorf("endpoint %s: %v", ep, err)
			}
		}(ep)
	}
	wg.Wait()
	return nil
}

// serveEndpoint runs one Provider endpoint until ctx is cancelled (spec §5
// "shutdown propagates by cancelling that scope, which unwinds its socket
// and tasks"): the per-flow ticker is tracked by the socket's
// worker.Worker, the read loop runs on the calling goroutine, and a
// cancellation bridge goroutine closes the socket as soon as ctx is done,
// which halts the ticker and ends the read loop.
func serveEndpoint(ctx context.Context, log *logging.Logger, ep cliconfig.Endpoint, id resource.ID, numBlocks uint64, readBlock providerflow.BlockReader) error {
	sock, err := transport.Listen(log, fmt.Sprintf("%s:%d", ep.Addr, ep.Port))
	if err != nil {
		return err
	}
	defer sock.Close()

	clock := clockwork.NewRealClock()
	var mu sync.Mutex
	flows := make(map[string]*providerflow.Flow)

	go func() {
		select {
		case <-ctx.Done():
			sock.Close()
		case <-sock.HaltCh():
		}
	}()

	sock.Go(func() {
		ticker := time.NewTicker(providerflow.SchedulingGranularity)
		defer ticker.Stop()
		for {
			select {
			case <-sock.HaltCh():
				return
			case <-ticker.C:
			}
			mu.Lock()
			for addr, fl := range flows {
				if !fl.Tick() {
					delete(flows, addr)
				}
			}
			mu.Unlock()
		}
	})

	return sock.ReadLoop(func(addr net.Addr, pkt wire.Packet) {
		key := addr.String()
		mu.Lock()
		defer mu.Unlock()
		fl, ok := flows[key]
		if !ok {
			req, isReq := pkt.(wire.RequestResource)
			if !isReq {
				return
			}
			peer := addr
			send := func(p wire.Packet) error { return sock.SendTo(peer, p) }
			fl = providerflow.New(log, clock, send, id, numBlocks, readBlock, resource.MTU)
			flows[key] = fl
			fl.HandleRequestResource(req, resource.ID{Hash: req.ResourceID, Length: req.Length})
			return
		}
		switch p := pkt.(type) {
		case wire.RequestResource:
			fl.HandleRequestResource(p, resource.ID{Hash: p.ResourceID, Length: p.Length})
		case wire.AckBlock:
			fl.HandleAckBlock(p)
		case wire.NackBlock:
			fl.HandleNackBlock(p)
		case wire.ShrinkRange:
			fl.HandleShrinkRange(p)
		}
	})
}

func runClient(args []string) error {
	cfg, err := cliconfig.ParseClient(args)
	if err != nil {
		return err
	}
	backend, err := logging.New("INFO", cfg.Verbose)
	if err != nil {
		return err
	}
	log := backend.Get("client")

	numBlocks := resource.NumBlocks(cfg.ResourceID.Length)
	numFlows := len(cfg.Endpoints)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	var finalData []byte
	var finalErr error
	coord := coordinator.New(log, cfg.ResourceID, numBlocks, numFlows, func(data []byte, err error) {
		finalData, finalErr = data, err
		close(done)
	})

	clock := clockwork.NewRealClock()
	sockets := make([]*transport.Socket, 0, numFlows)

	for i, ep := range cfg.Endpoints {
		sock, err := transport.Listen(log, "")
		if err != nil {
			return err
		}
		sockets = append(sockets, sock)

		go func(sock *transport.Socket) {
			select {
			case <-ctx.Done():
				sock.Close()
			case <-sock.HaltCh():
			}
		}(sock)

		peerAddr, err := net.ResolveUDPAddr("udp", ep.String())
		if err != nil {
			return fmt.Errorf("%w: %v", protoerr.ErrConfig, err)
		}

		reverse := i == 1
		send := func(p wire.Packet) error { return sock.SendTo(peerAddr, p) }
		fl := fetcherflow.New(log, clock, send, coord.OnBlock(i), coord.OnFatal(i),
			cfg.ResourceID, numBlocks, resource.MTU, cfg.Rates[i], reverse)
		coord.RegisterFlow(i, fl)

		sock.Go(func() {
			_ = sock.ReadLoop(func(_ net.Addr, pkt wire.Packet) {
				switch p := pkt.(type) {
				case wire.Data:
					fl.HandleData(p)
				case wire.Error:
					fl.HandleError(p)
				}
			})
		})

		sock.Go(func() {
			ticker := time.NewTicker(fetcherflow.SchedulingGranularity)
			defer ticker.Stop()
			for {
				select {
				case <-sock.HaltCh():
					return
				case <-ticker.C:
				}
				if !fl.Tick() {
					coord.MarkFlowDone(i)
					return
				}
			}
		})
	}

	select {
	case <-done:
	case <-ctx.Done():
		for _, s := range sockets {
			s.Close()
		}
		return ctx.Err()
	}
	for _, s := range sockets {
		s.Close()
	}

	if finalErr != nil {
		return finalErr
	}

	out := os.Stdout
	if cfg.Output != "-" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	_, err = out.Write(finalData)
	return err
}
