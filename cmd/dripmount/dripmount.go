// Copyright 2019 Michael J. Fromberger. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Program dripmount mounts an oblivious write-only store as a FUSE
// filesystem: every path under the mount point is a flat name backed by
// a handle in the engine, and the backend directory sees a steady stream
// of K encrypted block writes every drip period regardless of how much
// the mounted filesystem actually changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creachadair/ctrl"
	"golang.org/x/term"

	"github.com/dripsync/dripsync/backend"
	"github.com/dripsync/dripsync/backend/cached"
	"github.com/dripsync/dripsync/backend/filestore"
	"github.com/dripsync/dripsync/codec"
	"github.com/dripsync/dripsync/engine"
	"github.com/dripsync/dripsync/fsadapter"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

var (
	readOnly   = flag.Bool("r", false, "Mount read-only")
	dripRate   = flag.Int("k", 4, "Drip rate: backend slots rewritten per sync")
	dripPeriod = flag.Int("t", 10, "Drip period in seconds between syncs")
	verbose    = flag.Bool("v", false, "Enable verbose FUSE debug logging")
	debugOut   = flag.String("d", "", "Verbose output target file (- for stdout)")

	blockSize   = flag.Int("block-size", 1<<16, "Backend block size in bytes")
	totalBlocks = flag.Int("total-blocks", 4096, "Number of addressable backend slots")
	cacheSlots  = flag.Int("cache-slots", 256, "Number of backend slots to hold in the in-memory LRU cache (0 disables caching)")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: %[1]s [options] <backend-dir> <mount-point>

Mount an oblivious write-only store at mount-point, backed by the
directory-of-slots store at backend-dir. The directory is initialized on
first use if it does not already contain a store.

Options:
`, os.Args[0])
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()
	ctrl.Run(func() error {
		if flag.NArg() != 2 {
			flag.Usage()
			ctrl.Exitf(1, "Exactly two arguments are required: backend-dir and mount-point")
		}
		backendDir, mountPoint := flag.Arg(0), flag.Arg(1)

		pass, err := readPassphrase()
		if err != nil {
			ctrl.Fatalf("Reading passphrase: %v", err)
		}
		cc := codec.New(pass)

		cfg := engine.Config{
			BlockSize:   *blockSize,
			HeaderLen:   codec.Overhead,
			TotalBlocks: *totalBlocks,
			DripRate:    *dripRate,
			DripPeriod:  time.Duration(*dripPeriod) * time.Second,
		}

		fsb, err := filestore.Open(backendDir, cfg.TotalBlocks)
		if err != nil {
			ctrl.Fatalf("Opening backend: %v", err)
		}
		var be backend.Store = fsb
		if *cacheSlots > 0 {
			// filestore implements backend.Stater, so the cache can tell
			// a slot a concurrent drip sync has rewritten from one that
			// is still good, instead of trusting every hit for the life
			// of the mount.
			be = cached.New(fsb, *cacheSlots)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		debugw, err := openDebugWriter(*debugOut)
		if err != nil {
			ctrl.Fatalf("Opening debug output: %v", err)
		}

		opts := &fs.Options{
			MountOptions: fuse.MountOptions{
				Debug:  *verbose,
				FsName: "dripmount",
				Name:   "dripmount",
			},
		}
		if debugw != nil {
			opts.Logger = log.New(debugw, "", log.LstdFlags)
		}

		var server *fuse.Server
		if *readOnly {
			r, err := engine.OpenReader(ctx, be, cc, cfg)
			if err != nil {
				ctrl.Fatalf("Opening store read-only: %v", err)
			}
			a, err := fsadapter.NewReadOnly(ctx, r)
			if err != nil {
				ctrl.Fatalf("Loading directory table: %v", err)
			}
			server, err = fsadapter.Mount(mountPoint, a, opts)
			if err != nil {
				ctrl.Fatalf("Mounting: %v", err)
			}
		} else {
			w, err := engine.Open(ctx, be, cc, cfg)
			if err != nil {
				ctrl.Fatalf("Opening store: %v", err)
			}
			a, err := fsadapter.New(ctx, w)
			if err != nil {
				ctrl.Fatalf("Loading directory table: %v", err)
			}
			server, err = fsadapter.Mount(mountPoint, a, opts)
			if err != nil {
				ctrl.Fatalf("Mounting: %v", err)
			}
			w.Start(ctx)
			defer func() {
				finishCtx, finishCancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer finishCancel()
				if err := w.Finish(finishCtx); err != nil {
					log.Printf("Warning: final sync did not complete cleanly: %v", err)
				}
			}()
		}

		log.Printf("Mounted %q at %q (read-only=%v)", backendDir, mountPoint, *readOnly)
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigc
			log.Printf("Signal received, unmounting %q", mountPoint)
			server.Unmount()
		}()
		server.Wait()
		return nil
	})
}

func readPassphrase() ([]byte, error) {
	if pass := os.Getenv("DRIPMOUNT_PASSPHRASE"); pass != "" {
		return []byte(pass), nil
	}
	io.WriteString(os.Stdout, "Passphrase: ")
	bits, err := term.ReadPassword(int(os.Stdin.Fd()))
	io.WriteString(os.Stdout, "\n")
	return bits, err
}

func openDebugWriter(target string) (io.Writer, error) {
	switch target {
	case "":
		return nil, nil
	case "-":
		return os.Stdout, nil
	default:
		return os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	}
}
