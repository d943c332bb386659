package main

import (
	"context"
	"os"
	"time"

	"github.com/sagernet/devgate/common/tunnel"
	"github.com/sagernet/devgate/log"
	"github.com/sagernet/devgate/route"
	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"
	N "github.com/sagernet/sing/common/network"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var commandDialFlagTimeout time.Duration

var commandDial = &cobra.Command{
	Use:   "dial [target-id]...",
	Short: "Open a connection to each target and report the outcome",
	Run: func(cmd *cobra.Command, args []string) {
		err := dial(args)
		if err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	commandDial.Flags().DurationVarP(&commandDialFlagTimeout, "timeout", "t", 10*time.Second, "dial timeout")
	commandTools.AddCommand(commandDial)
}

// lookupTargets resolves every id before any dial starts. No ids selects
// every configured target.
func lookupTargets(registry *route.Registry, targetIDs []string) ([]*route.Route, error) {
	if len(targetIDs) == 0 {
		return registry.Routes(), nil
	}
	targetRoutes := make([]*route.Route, 0, len(targetIDs))
	for _, id := range targetIDs {
		targetRoute, loaded := registry.Lookup(id)
		if !loaded {
			return nil, E.New("target not found: ", id)
		}
		targetRoutes = append(targetRoutes, targetRoute)
	}
	return targetRoutes, nil
}

type dialResult struct {
	id       string
	duration time.Duration
	err      error
}

func dial(targetIDs []string) error {
	instance, err := createClient()
	if err != nil {
		return err
	}
	defer instance.Close()
	targetRoutes, err := lookupTargets(instance.Registry(), targetIDs)
	if err != nil {
		return err
	}
	connector := instance.Connector()
	status := instance.TunnelStatus()
	os.Stdout.WriteString(F.ToString("tunnel mode: ", status.Mode, " (", status.Reason, ")\n"))
	results := make([]dialResult, len(targetRoutes))
	var group errgroup.Group
	for index, targetRoute := range targetRoutes {
		id := targetRoute.Target.ID
		group.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), commandDialFlagTimeout)
			defer cancel()
			startAt := time.Now()
			conn, err := connector.DialContext(ctx, N.NetworkTCP, targetRoute.Target.Destination())
			if err == nil {
				conn.Close()
			}
			results[index] = dialResult{id: id, duration: time.Since(startAt), err: err}
			return nil
		})
	}
	group.Wait()
	var failed bool
	for _, result := range results {
		if result.err == nil {
			os.Stdout.WriteString(F.ToString(result.id, ": ok (", result.duration.Round(time.Millisecond), ")\n"))
			continue
		}
		failed = true
		kind, _ := tunnel.KindOf(result.err)
		os.Stdout.WriteString(F.ToString(result.id, ": ", kind, ": ", result.err, "\n"))
	}
	if failed {
		return E.New("some targets are unreachable")
	}
	return nil
}
