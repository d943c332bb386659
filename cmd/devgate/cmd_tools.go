package main

import (
	"context"

	"github.com/sagernet/devgate"
	"github.com/sagernet/devgate/option"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/spf13/cobra"
)

var commandTools = &cobra.Command{
	Use:   "tools",
	Short: "Operational tools",
}

func init() {
	mainCommand.AddCommand(commandTools)
}

// createClient builds the service without starting any listener.
func createClient() (*box.Box, error) {
	options, err := readConfig()
	if err != nil {
		return nil, err
	}
	if options.Log == nil {
		options.Log = &option.LogOptions{}
	}
	options.Log.Disabled = true
	instance, err := box.New(box.Options{
		Context: context.Background(),
		Options: options,
	})
	if err != nil {
		return nil, E.Cause(err, "create service")
	}
	return instance, nil
}
