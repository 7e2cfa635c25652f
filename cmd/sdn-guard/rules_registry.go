package main

import (
	"time"

	"sdn-guard/internal/client"
	"sdn-guard/internal/model"
	"sdn-guard/internal/rules"
	"sdn-guard/internal/rules/builtin"
	"sdn-guard/internal/utils"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// registerBuiltinRules registers the IDS heuristics named in the rule
// configs. Disabled rules are registered too so they show up as configured.
func registerBuiltinRules(engine *rules.Engine, configs []model.Rule, clk clock.Clock, promClient *client.PrometheusClient, logger *logrus.Logger) {
	for i := range configs {
		cfg := &configs[i]
		window := time.Duration(utils.RuleThreshold(cfg, 0, "window_seconds")) * time.Second

		switch cfg.Name {
		case "syn_flood":
			threshold := int(utils.RuleThreshold(cfg, builtin.DefaultSynThreshold, "count", "threshold"))
			trigger := builtin.ParseTrigger(utils.RuleString(cfg, "", "trigger"), builtin.TriggerEdge)
			engine.RegisterRule(builtin.NewSynFloodRule(cfg.Enabled, cfg.Severity, threshold, window, trigger, clk, logger))
			logger.Infof("Configured rule: %s (threshold: %d, trigger: %s)", cfg.Name, threshold, trigger)

		case "port_scan":
			threshold := int(utils.RuleThreshold(cfg, builtin.DefaultPortScanThreshold, "distinct_ports", "threshold"))
			trigger := builtin.ParseTrigger(utils.RuleString(cfg, "", "trigger"), builtin.TriggerLevel)
			engine.RegisterRule(builtin.NewPortScanRule(cfg.Enabled, cfg.Severity, threshold, window, trigger, clk, logger))
			logger.Infof("Configured rule: %s (threshold: %d, trigger: %s)", cfg.Name, threshold, trigger)

		case "packet_in_surge":
			var querier builtin.VectorQuerier
			if promClient != nil {
				querier = promClient
			} else if cfg.Enabled {
				logger.Warnf("Rule %s needs prometheus.url, leaving it disabled", cfg.Name)
			}
			threshold := utils.RuleThreshold(cfg, builtin.DefaultPacketInSurgeThreshold, "packets_per_second", "threshold")
			rule := builtin.NewPacketInSurgeRule(cfg.Enabled, cfg.Severity, threshold, querier, clk, logger)
			if interval := utils.RuleThreshold(cfg, 0, "interval_seconds"); interval > 0 {
				rule.SetInterval(time.Duration(interval) * time.Second)
			}
			engine.RegisterRule(rule)

		default:
			logger.Warnf("Unknown rule type: %s", cfg.Name)
		}
	}
}
