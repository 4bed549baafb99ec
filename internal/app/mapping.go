package app

import (
	"dealbot/internal/catalog"
	"dealbot/internal/config"
	"dealbot/internal/digest"
	"dealbot/internal/dispatch"
	"dealbot/internal/monitor"
	"dealbot/internal/pricesource"
	"dealbot/pkg/logx"
)

// Config-to-service mapping. Component defaults stay inside the components;
// this layer only parses duration strings and forwards values.

func logCfg(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console == nil || *c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func catalogCfg(c config.CatalogConfig) (catalog.Config, error) {
	busy, err := config.ParseDurationField("catalog.busy_timeout", c.BusyTimeout)
	if err != nil {
		return catalog.Config{}, err
	}
	return catalog.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		BusyTimeout: busy,
	}, nil
}

func sourceCfg(c config.SourceConfig) (pricesource.Config, error) {
	interval, err := config.ParseDurationField("source.breaker.interval", c.Breaker.Interval)
	if err != nil {
		return pricesource.Config{}, err
	}
	timeout, err := config.ParseDurationField("source.breaker.timeout", c.Breaker.Timeout)
	if err != nil {
		return pricesource.Config{}, err
	}
	return pricesource.Config{
		Driver: c.Driver,
		Breaker: pricesource.BreakerConfig{
			MaxRequests:      c.Breaker.MaxRequests,
			Interval:         interval,
			Timeout:          timeout,
			FailureThreshold: c.Breaker.FailureThreshold,
			MinRequests:      c.Breaker.MinRequests,
		},
	}, nil
}

func schedulerCfg(c config.MonitorConfig) (monitor.SchedulerConfig, error) {
	interval, err := config.ParseDurationField("monitor.interval", c.Interval)
	if err != nil {
		return monitor.SchedulerConfig{}, err
	}
	fetchTimeout, err := config.ParseDurationField("monitor.fetch_timeout", c.FetchTimeout)
	if err != nil {
		return monitor.SchedulerConfig{}, err
	}
	return monitor.SchedulerConfig{
		Interval:     interval,
		FetchTimeout: fetchTimeout,
		MaxInFlight:  c.MaxInFlight,
		PageSize:     c.PageSize,
	}, nil
}

func dispatchCfg(c config.DispatchConfig) (dispatch.Config, error) {
	perDest, err := config.ParseDurationField("dispatch.per_destination_interval", c.PerDestinationInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryBase, err := config.ParseDurationField("dispatch.retry_base", c.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("dispatch.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("dispatch.send_timeout", c.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:                c.Workers,
		QueueSize:              c.QueueSize,
		RatePerSec:             c.RatePerSec,
		SendConcurrency:        c.SendConcurrency,
		PerDestinationInterval: perDest,
		RetryMax:               c.RetryMax,
		RetryBase:              retryBase,
		RetryMaxDelay:          retryMaxDelay,
		SendTimeout:            sendTimeout,
		HistorySize:            c.HistorySize,
	}, nil
}

func digestCfg(c config.DigestConfig) digest.Config {
	return digest.Config{
		Enabled:            c.Enabled,
		Schedule:           c.Schedule,
		Timezone:           c.Timezone,
		TopDeals:           c.TopDeals,
		MinDiscountPercent: c.MinDiscountPercent,
	}
}
