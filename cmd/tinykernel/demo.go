package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/justanotherdot/tinykernel/internal/kernel"
)

func newDemoCommand() *cobra.Command {
	demo := &cobra.Command{
		Use:   "demo",
		Short: "run a scripted end-to-end scenario against a fresh kernel",
	}
	demo.AddCommand(newDemoPipeCommand())
	demo.AddCommand(newDemoForkCommand())
	demo.AddCommand(newDemoSocketCommand())
	demo.AddCommand(newDemoTimeoutCommand())
	return demo
}

// newDemoPipeCommand covers both the basic producer/consumer pipe scenario
// and the blocking-reader scenario in one pass: it reads before the write
// lands, so the read genuinely blocks on isEmpty until the write wakes it.
func newDemoPipeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pipe",
		Short: "write and blocking-read across an anonymous pipe",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := newKernel()
			if err != nil {
				return err
			}
			idle := k.Procs.Get(0)

			rfid, wfid, err := k.Pipe(idle)
			if err != nil {
				return err
			}
			fmt.Printf("pipe: read_fid=%d write_fid=%d\n", rfid, wfid)

			var wg sync.WaitGroup
			wg.Add(1)
			var got []byte
			var readErr error
			go func() {
				defer wg.Done()
				buf := make([]byte, 5)
				n, err := k.Read(idle, rfid, buf)
				got, readErr = buf[:n], err
			}()

			// Give the reader a chance to block on an empty pipe before the
			// write lands, so this exercises the blocking path rather than
			// racing ahead of it.
			time.Sleep(20 * time.Millisecond)

			if _, err := k.Write(idle, wfid, []byte("hello")); err != nil {
				return err
			}
			wg.Wait()
			if readErr != nil {
				return readErr
			}
			fmt.Printf("pipe: reader unblocked with %q\n", got)
			return nil
		},
	}
}

// newDemoForkCommand builds a three-generation process tree (init -> child
// -> grandchild), exits the middle generation before the grandchild is
// reaped, and waits on init to show the grandchild reparented to it.
func newDemoForkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fork",
		Short: "exec a process tree, exit the middle generation, and reap via init",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := newKernel()
			if err != nil {
				return err
			}
			idle := k.Procs.Get(0)

			initPid, err := k.Exec(idle, blockForeverTask(), 0, nil)
			if err != nil {
				return err
			}
			initPCB := k.Procs.Get(initPid)
			fmt.Printf("fork: init pid=%d\n", initPid)

			childPid, err := k.Exec(initPCB, blockForeverTask(), 0, nil)
			if err != nil {
				return err
			}
			childPCB := k.Procs.Get(childPid)
			fmt.Printf("fork: child pid=%d ppid=%d\n", childPid, k.GetPPid(childPCB))

			grandchildPid, err := k.Exec(childPCB, exitTask(7), 0, nil)
			if err != nil {
				return err
			}
			fmt.Printf("fork: grandchild pid=%d ppid=%d\n", grandchildPid, k.GetPPid(k.Procs.Get(grandchildPid)))

			// Give the grandchild's exit task a moment to actually run and
			// exit before the reparenting exit below, so the grandchild is
			// normally already a zombie when proc.exit moves it onto init's
			// exited list.
			time.Sleep(10 * time.Millisecond)

			fmt.Printf("fork: child pid=%d exits, grandchild should reparent to init\n", childPid)
			k.Exit(childPCB, 0)

			reapedChild, statusChild, err := k.WaitChild(initPCB, kernel.NOPROC)
			if err != nil {
				return err
			}
			fmt.Printf("fork: init reaped pid=%d status=%d\n", reapedChild, statusChild)

			reapedGrandchild, statusGrandchild, err := k.WaitChild(initPCB, kernel.NOPROC)
			if err != nil {
				return err
			}
			fmt.Printf("fork: init reaped pid=%d status=%d\n", reapedGrandchild, statusGrandchild)
			return nil
		},
	}
}

// newDemoSocketCommand runs a listener and a connecting client concurrently
// via errgroup (Accept blocks until Connect's request arrives, and vice
// versa), then bounces one message through the accepted pipe pair.
func newDemoSocketCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "socket",
		Short: "accept/connect a local socket pair and echo one message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := newKernel()
			if err != nil {
				return err
			}
			idle := k.Procs.Get(0)

			const port = 9999
			lfid, err := k.Sockets.Socket(idle, port)
			if err != nil {
				return err
			}
			if err := k.Sockets.Listen(idle, lfid); err != nil {
				return err
			}

			var serverFid, clientFid int
			var g errgroup.Group
			g.Go(func() error {
				fid, err := k.Sockets.Accept(idle, lfid)
				serverFid = fid
				return err
			})
			g.Go(func() error {
				fid, err := k.Sockets.Socket(idle, 0)
				if err != nil {
					return err
				}
				clientFid = fid
				return k.Sockets.Connect(idle, clientFid, port, -1)
			})
			if err := g.Wait(); err != nil {
				return err
			}
			fmt.Printf("socket: accepted server_fid=%d client_fid=%d\n", serverFid, clientFid)

			if _, err := k.Write(idle, clientFid, []byte("ping")); err != nil {
				return err
			}
			buf := make([]byte, 4)
			n, err := k.Read(idle, serverFid, buf)
			if err != nil {
				return err
			}
			fmt.Printf("socket: server received %q\n", buf[:n])

			if _, err := k.Write(idle, serverFid, buf[:n]); err != nil {
				return err
			}
			echo := make([]byte, 4)
			n, err = k.Read(idle, clientFid, echo)
			if err != nil {
				return err
			}
			fmt.Printf("socket: client received echo %q\n", echo[:n])
			return nil
		},
	}
}

// newDemoTimeoutCommand runs the two failure-mode connects of scenario 6
// concurrently via errgroup: one to a port with no listener at all (fails
// immediately) and one to the port-5 listener with a 10ms timeout and no
// Accept ever issued (fails after the timeout elapses). A final Accept on
// the port-5 listener then proves neither failed attempt left a stale
// request behind on its queue.
func newDemoTimeoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "timeout",
		Short: "connect to a port with no listener, and to one that never accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := newKernel()
			if err != nil {
				return err
			}
			idle := k.Procs.Get(0)

			const listenedPort = 5
			const unboundPort = 6

			lfid, err := k.Sockets.Socket(idle, listenedPort)
			if err != nil {
				return err
			}
			if err := k.Sockets.Listen(idle, lfid); err != nil {
				return err
			}

			cfidNoListener, err := k.Sockets.Socket(idle, 0)
			if err != nil {
				return err
			}
			cfidTimeout, err := k.Sockets.Socket(idle, 0)
			if err != nil {
				return err
			}

			var noListenerErr, timeoutErr error
			var noListenerElapsed, timeoutElapsed time.Duration
			var g errgroup.Group
			g.Go(func() error {
				start := time.Now()
				noListenerErr = k.Sockets.Connect(idle, cfidNoListener, unboundPort, -1)
				noListenerElapsed = time.Since(start)
				return nil
			})
			g.Go(func() error {
				start := time.Now()
				timeoutErr = k.Sockets.Connect(idle, cfidTimeout, listenedPort, 10*time.Millisecond)
				timeoutElapsed = time.Since(start)
				return nil
			})
			if err := g.Wait(); err != nil {
				return err
			}

			if noListenerErr == nil {
				return fmt.Errorf("timeout: connect to port %d unexpectedly succeeded", unboundPort)
			}
			fmt.Printf("timeout: connect to port %d (no listener) failed immediately after %s: %v\n",
				unboundPort, noListenerElapsed.Round(time.Millisecond), noListenerErr)

			if timeoutErr == nil {
				return fmt.Errorf("timeout: connect to port %d unexpectedly succeeded", listenedPort)
			}
			fmt.Printf("timeout: connect to port %d (accept never called) gave up after %s: %v\n",
				listenedPort, timeoutElapsed.Round(time.Millisecond), timeoutErr)

			cfidReal, err := k.Sockets.Socket(idle, 0)
			if err != nil {
				return err
			}
			var acceptedFid int
			var acceptG errgroup.Group
			acceptG.Go(func() error {
				fid, err := k.Sockets.Accept(idle, lfid)
				acceptedFid = fid
				return err
			})
			acceptG.Go(func() error {
				return k.Sockets.Connect(idle, cfidReal, listenedPort, -1)
			})
			if err := acceptG.Wait(); err != nil {
				return err
			}
			fmt.Printf("timeout: port %d listener still accepts cleanly, server_fid=%d (no stale request)\n", listenedPort, acceptedFid)
			return nil
		},
	}
}
