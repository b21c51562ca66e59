package main

import (
	"context"
	"io"
	"os"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaymesh/server"
	"github.com/relaymesh/server/pool"
	"github.com/relaymesh/server/proxy"
	"github.com/relaymesh/server/router"
	"github.com/relaymesh/server/transport"
	"github.com/relaymesh/server/wsmsg"
)

func main() {
	usage := `RelayMesh gateway.

Usage:
  gateway [--port=<port>]
  gateway -h | --help
  gateway --version

Options:
  -h --help     Show this screen.
  --version     Show version.
  -p --port=<port>  Listen port [default: 5080].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], server.RequireVersion())
	if err != nil {
		panic(err)
	}

	quitEvent := server.NewEventWithContext(context.Background())
	defer quitEvent.Set()

	closeFn := quitEvent.SetOnSignals(syscall.SIGQUIT, syscall.SIGTERM)
	defer closeFn()

	port, _ := opts.Int("--port")

	settings := server.GetSettings()

	monitoredPool := pool.NewMonitoredPool(quitEvent.Ctx, poolSettingsFromObj(settings))
	defer monitoredPool.Close()

	wsHandler := wsmsg.NewHandlerWithDefaults(quitEvent.Ctx, echoSink)

	routes := []*router.Route{
		router.NewRoute("GET", "/status", router.Status),
		router.NewRoute("GET", "/metrics", promhttp.Handler().ServeHTTP),
		router.NewRoute("GET", "/connect", wsHandler.ServeHTTP),
	}

	proxySettings := proxySettingsFromObj(settings)
	connectorSettings := transport.DefaultConnectorSettings()
	connectorSettings.Port = port

	factories := []transport.ConnectionFactory{
		proxy.NewFactory(proxySettings),
		transport.NewHTTPFactory(router.NewRouter(quitEvent.Ctx, routes)),
	}

	connector := transport.NewConnector(
		quitEvent.Ctx,
		monitoredPool,
		factories,
		connectorSettings,
	)
	defer connector.Close()

	glog.Infof(
		"[gateway]serving %s %s on *:%d\n",
		server.RequireEnv(),
		server.RequireVersion(),
		port,
	)

	err = connector.ListenAndServe()
	glog.Errorf("[gateway]close = %s\n", err)
	os.Exit(0)
}

func proxySettingsFromObj(settings map[string]any) *proxy.ProxySettings {
	proxySettings := proxy.DefaultProxySettings()
	if proxyObj, ok := settings["proxy"]; ok {
		switch v := proxyObj.(type) {
		case map[string]any:
			if next, ok := v["next_protocol"]; ok {
				switch w := next.(type) {
				case string:
					proxySettings.NextProtocol = w
				}
			}
			if maxProxyHeader, ok := v["max_proxy_header"]; ok {
				switch w := maxProxyHeader.(type) {
				case int:
					proxySettings.MaxProxyHeader = w
				}
			}
		}
	}
	return proxySettings
}

func poolSettingsFromObj(settings map[string]any) *pool.PoolSettings {
	poolSettings := pool.DefaultPoolSettings()
	if poolObj, ok := settings["pool"]; ok {
		switch v := poolObj.(type) {
		case map[string]any:
			if maxWorkers, ok := v["max_workers"]; ok {
				switch w := maxWorkers.(type) {
				case int:
					poolSettings.MaxWorkers = w
				}
			}
			if queueSize, ok := v["queue_size"]; ok {
				switch w := queueSize.(type) {
				case int:
					poolSettings.QueueSize = w
				}
			}
		}
	}
	return poolSettings
}

// echo each websocket message back to the sender
func echoSink(reader io.Reader, clientAddress string) ([]byte, error) {
	message, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("[gateway]ws message %d bytes from %s\n", len(message), clientAddress)
	return message, nil
}
