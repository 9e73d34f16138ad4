package main

import (
	"context"

	"signin-bots/internal/components/chrono"
	"signin-bots/internal/components/configutil"
	"signin-bots/internal/components/db"
	"signin-bots/internal/components/kvstore"
	"signin-bots/internal/components/notify"
	"signin-bots/internal/components/serviceutil"
	"signin-bots/internal/components/telemetry"
	"signin-bots/internal/host"
	"signin-bots/internal/plugin"
	"signin-bots/internal/plugins/agsv"
	"signin-bots/internal/plugins/hdhive"
	"signin-bots/internal/plugins/jkju"
	"signin-bots/internal/plugins/nodeseek"
	"signin-bots/internal/plugins/noip"
	"signin-bots/internal/plugins/qianmoju"
	"signin-bots/internal/plugins/xiaomi"
	"signin-bots/internal/plugins/zhuque"
)

const report_signind_load = "signind.load"

func plugins() []plugin.Plugin {
	return []plugin.Plugin{
		nodeseek.New(),
		hdhive.New(),
		qianmoju.New(),
		jkju.New(),
		zhuque.New(),
		agsv.New(),
		xiaomi.New(),
		noip.New(),
	}
}

func main() {
	ctx := serviceutil.SignalContext()

	config, err := configutil.ReadRecursively[Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("failed to read config", err)
	}
	telemetry.InitSlog(config.Telemetry.Debug)

	pluginConfigs, err := config.PluginConfigs()
	if err != nil {
		serviceutil.Fatal("failed to read plugin configs", err)
	}

	clock, err := chrono.NewStandardTime(config.Timezone)
	if err != nil {
		serviceutil.Fatal("failed to load timezone", err)
	}

	sqlite, err := config.Database.OpenDB()
	if err != nil {
		serviceutil.Fatal("failed to open database", err)
	}
	defer sqlite.Close()

	t, err := telemetry.Setup(ctx, "signind", config.Telemetry)
	if err != nil {
		serviceutil.Fatal("failed to setup telemetry", err)
	}
	defer t.Shutdown(context.Background())
	telemetry.InstrumentPerfStats(ctx)

	tel := telemetry.SlogAPI{}
	runner := chrono.NewStandardCron(tel, clock)
	defer runner.Stop()

	h := host.New(host.Options{
		Store:   kvstore.NewStore(sqlite, clock),
		Queries: db.New(sqlite),
		Notify:  notify.FromConfig(config.Notify),
		Time:    clock,
		Cron:    runner,
		Tel:     tel,
		Web:     config.Web,
	})
	h.Register(plugins()...)

	err = h.Load(ctx, pluginConfigs)
	if err != nil {
		// a broken plugin config leaves the others running
		tel.ReportBroken(report_signind_load, err)
	}
	defer h.Stop()

	go func() {
		err := serviceutil.StartHttpServer(ctx, config.port(), serviceutil.RequireAccessToken(config.Http.AccessToken, h.Handler()))
		if err != nil {
			serviceutil.Fatal("http server stopped", err)
		}
	}()

	<-ctx.Done()
}
