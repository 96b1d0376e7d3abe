package main

import (
	"log"

	"github.com/spf13/cobra"

	discv5cli "github.com/amirimatin/discv5-cli/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "discv5ctl",
		Short:         "discv5 operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	discv5cli.AddAll(root)
	return root
}
