package main

import (
	"fmt"
	"os"

	"github.com/remilejeune/udata-harvest/cmd/harvest/commands"
	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/logger"
)

func main() {
	err := commands.NewRootCmd().Execute()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if hint := errors.FlattenHints(err); hint != "" {
			fmt.Fprintln(os.Stderr, "Hint:", hint)
		}
		os.Exit(1)
	}
}
