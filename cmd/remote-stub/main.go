package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"

	"github.com/diwise/entity-session/internal/pkg/application/remote"
	"github.com/diwise/entity-session/internal/pkg/infrastructure/router"
	"github.com/diwise/entity-session/internal/pkg/presentation/api"
	"github.com/diwise/entity-session/pkg/locations"
	"github.com/diwise/entity-session/pkg/session"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
)

const (
	serviceName string = "entity-session-remote"
)

func main() {
	serviceVersion := buildinfo.SourceVersion()

	ctx, log, cleanup := o11y.Init(context.Background(), serviceName, serviceVersion, "json")
	defer cleanup()

	flags := parseExternalConfig(ctx, DefaultFlags())

	cfgFile, err := os.Open(flags[configPath])
	if err != nil {
		log.Error("failed to open configuration file", "err", err.Error())
		os.Exit(1)
	}
	defer cfgFile.Close()

	cfg, err := session.LoadConfiguration(ctx, cfgFile)
	if err != nil {
		log.Error("failed to load configuration", "err", err.Error())
		os.Exit(1)
	}

	policies, err := os.Open(flags[opaPath])
	if err != nil {
		log.Error("unable to open opa policy file", "err", err.Error())
		os.Exit(1)
	}
	defer policies.Close()

	store := remote.New(Tables(cfg))

	r := router.New(serviceName)
	if err = api.RegisterHandlers(ctx, r, policies, store); err != nil {
		log.Error("failed to register handlers", "err", err.Error())
		os.Exit(1)
	}

	address := net.JoinHostPort(flags[listenAddress], flags[servicePort])
	log.Info("starting to listen for connections", "address", address)

	err = http.ListenAndServe(address, r)
	if err != nil {
		log.Error("failed to listen for connections", "err", err.Error())
		os.Exit(1)
	}
}

// Tables describes one table per configured schema
func Tables(cfg *session.Config) []remote.Table {
	tables := make([]remote.Table, 0, len(cfg.Schemas)+1)
	for _, schema := range cfg.Schemas {
		tables = append(tables, remote.Table{Name: schema.Name, PrimaryKey: schema.PrimaryKey})
	}

	if len(cfg.Locations) > 0 {
		tables = append(tables, remote.Table{Name: locations.ComponentLocationType, PrimaryKey: []string{"id"}})
	}

	return tables
}

func DefaultFlags() FlagMap {
	return FlagMap{
		listenAddress: "",
		servicePort:   "8080",

		configPath: "/opt/diwise/config/entity-session.yaml",
		opaPath:    "/opt/diwise/config/authz.rego",
	}
}

func parseExternalConfig(ctx context.Context, flags FlagMap) FlagMap {
	flags[listenAddress] = env.GetVariableOrDefault(ctx, "LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = env.GetVariableOrDefault(ctx, "SERVICE_PORT", flags[servicePort])
	flags[configPath] = env.GetVariableOrDefault(ctx, "ENTITY_SESSION_CONFIG_PATH", flags[configPath])
	flags[opaPath] = env.GetVariableOrDefault(ctx, "ENTITY_SESSION_POLICY_PATH", flags[opaPath])

	apply := func(f FlagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	flag.Func("config", "path to the schema and location configuration", apply(configPath))
	flag.Func("policies", "path to the authz policy file", apply(opaPath))
	flag.Parse()

	return flags
}
