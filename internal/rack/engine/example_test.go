package engine_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mediarack/rack/internal/rack/engine"
	"github.com/mediarack/rack/internal/rack/localdb"
	"github.com/mediarack/rack/internal/rack/remote"
	"github.com/mediarack/rack/internal/rack/session"
)

// This example wires the synchronizer to a local catalog and a file-backed
// remote catalog and runs it until interrupted.
// Note: This is for documentation only and won't run as a test.
func ExampleNew() {
	local, err := localdb.Open("/var/lib/rack/rack.db")
	if err != nil {
		log.Fatal(err)
	}
	defer local.Close()
	if err := local.InitSchema(); err != nil {
		log.Fatal(err)
	}

	driver, dsn := remote.DriverFor("/srv/shared/catalog.db")
	store, err := remote.Open(driver, dsn, remote.WithTimeout(30*time.Second))
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	sess, err := session.New(local.RawDB(), "ana", "")
	if err != nil {
		log.Fatal(err)
	}

	s := engine.New(store, local, sess, engine.DefaultConfig())
	defer s.Shutdown()

	s.Subscribe(engine.ObserverFuncs{
		OnActivity: func(prev, next engine.Activity) {
			fmt.Printf("%s -> %s\n", prev, next)
		},
	})

	if err := s.Run(context.Background()); err != nil {
		log.Fatal(err)
	}
}

// This example runs a single pass, as `rack sync` does.
func ExampleSynchronizer_RunOnce() {
	local, err := localdb.Open("/var/lib/rack/rack.db")
	if err != nil {
		log.Fatal(err)
	}
	defer local.Close()

	store, err := remote.Open(remote.DriverFor("/srv/shared/catalog.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	sess, err := session.New(local.RawDB(), "ana", "")
	if err != nil {
		log.Fatal(err)
	}

	res, err := engine.New(store, local, sess, nil).RunOnce(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("inserted=%d overwritten=%d pushed=%d\n", res.Inserted, res.Overwritten, res.Pushed)
}
