package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"github.com/tunnelmesh/objrepo/internal/config"
	"github.com/tunnelmesh/objrepo/internal/logging/audit"
	"github.com/tunnelmesh/objrepo/internal/metrics"
	"github.com/tunnelmesh/objrepo/internal/repo"
	"github.com/tunnelmesh/objrepo/internal/schema"
)

// app is the repository wiring for one command invocation.
type app struct {
	cfg     *config.Config
	factory *repo.Factory
}

func openApp(v *viper.Viper) (*app, error) {
	path := v.GetString("config")
	if path == "" {
		return nil, errors.New("no config file: use --config or OBJREPO_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if v.GetString("log-level") == "" {
		config.ApplyLogLevel(cfg.LogLevel)
	}

	backends, err := cfg.OpenBackends()
	if err != nil {
		return nil, err
	}
	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	factory := repo.NewFactory(repo.FactoryConfig{
		Registry:          registry,
		Resolver:          repo.StaticBackends(backends...),
		Logger:            log.Logger,
		Audit:             audit.NewLogger(log.Logger),
		Metrics:           metrics.InitRepoMetrics(metrics.Registry),
		RepairRate:        cfg.Repair.Rate,
		RepairBurst:       cfg.Repair.Burst,
		SearchParallelism: cfg.SearchParallelism,
	})
	return &app{cfg: cfg, factory: factory}, nil
}

func (a *app) repository(typeName string) (*repo.Repository, error) {
	return a.factory.Repository(typeName)
}

// Close waits for read-repairs started by the command, so that a single
// read actually heals the backends before the process exits.
func (a *app) Close() error {
	a.factory.WaitForRepairs()
	return a.factory.Close()
}

// readObject parses a JSON object from arg, or from in when arg is "-".
// A "_meta" block, as printed by get, is kept.
func readObject(arg string, in io.Reader) (*schema.Object, error) {
	var data []byte
	if arg == "-" {
		b, err := io.ReadAll(in)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		data = b
	} else {
		data = []byte(arg)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("parse object: %w", err)
	}
	if _, ok := fields[schema.MetaKey]; ok {
		return schema.Decode(data)
	}
	return schema.New(fields), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func nonNil(objs []*schema.Object) []*schema.Object {
	if objs == nil {
		return []*schema.Object{}
	}
	return objs
}

// versionsView is the printable form of repo.BackendVersions.
type versionsView struct {
	Backend  string        `json:"backend"`
	Versions []versionView `json:"versions"`
	Error    string        `json:"error,omitempty"`
}

type versionView struct {
	Written time.Time      `json:"written"`
	Object  *schema.Object `json:"object"`
}

func viewVersions(in []repo.BackendVersions) []versionsView {
	out := make([]versionsView, len(in))
	for i, bv := range in {
		out[i] = versionsView{Backend: bv.Backend, Versions: make([]versionView, 0, len(bv.Versions))}
		if bv.Err != nil {
			out[i].Error = bv.Err.Error()
		}
		for _, obj := range bv.Versions {
			written, _ := schema.VersionTime(obj.Meta.Version)
			out[i].Versions = append(out[i].Versions, versionView{Written: written, Object: obj})
		}
	}
	return out
}

func typeNames(a *app, args []string) []string {
	if len(args) > 0 {
		return args
	}
	names := make([]string, 0, len(a.cfg.Types))
	for _, t := range a.cfg.Types {
		names = append(names, strings.TrimSpace(t.Name))
	}
	return names
}
