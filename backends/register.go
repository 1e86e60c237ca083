// Package backends registers the built-in harvest backends.
package backends

import (
	"github.com/remilejeune/udata-harvest/backends/files"
	"github.com/remilejeune/udata-harvest/backends/git"
	"github.com/remilejeune/udata-harvest/backends/httpjson"
	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/harvest"
	"github.com/remilejeune/udata-harvest/internal/httpclient"
)

// Deps are the process-wide settings shared by the built-in backends.
type Deps struct {
	HTTP       httpclient.Options
	AllowLocal bool   // harvest paths on this host (files and git)
	WorkDir    string // staging area for downloads
}

// RegisterAll adds every built-in backend to reg.
func RegisterAll(reg *harvest.Registry, deps Deps) error {
	factories := map[string]harvest.Factory{
		httpjson.Name: httpjson.Factory(deps.HTTP),
		git.Name:      git.Factory(git.Config{HTTP: deps.HTTP, AllowLocal: deps.AllowLocal}),
		files.Name: files.Factory(files.Config{
			HTTP:       deps.HTTP,
			AllowLocal: deps.AllowLocal,
			WorkDir:    deps.WorkDir,
		}),
	}
	for _, name := range []string{httpjson.Name, git.Name, files.Name} {
		if err := reg.Register(name, factories[name]); err != nil {
			return errors.Wrapf(err, "register backend %s", name)
		}
	}
	return nil
}
