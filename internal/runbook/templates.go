package runbook

import "time"

var BuiltinTemplates = []Runbook{
	{
		ID:          "tpl_restart_service",
		Name:        "restart_service",
		Description: "Drain -> restart -> verify, with a notify step when verification fails",
		IsEnabled:   true,
		Steps: []Step{
			{ID: "drain", Name: "Drain traffic", ThingID: "service", ProfileID: "drain"},
			{ID: "restart", Name: "Restart service", ThingID: "service", ProfileID: "restart", DependsOn: []string{"drain"},
				Retry: &RetryPolicy{MaxAttempts: 3, InitialDelay: Duration(5 * time.Second), BackoffMultiplier: 2, MaxDelay: Duration(time.Minute)}},
			{ID: "verify", Name: "Health check", ThingID: "service", ProfileID: "health", DependsOn: []string{"restart"}},
			{ID: "notify", Name: "Page on-call", ThingID: "pager", ProfileID: "page", DependsOn: []string{"verify"}, Condition: OnFailure()},
		},
	},
	{
		ID:          "tpl_disk_cleanup",
		Name:        "disk_cleanup",
		Description: "Rotate logs and prune caches in parallel, then report free space",
		IsEnabled:   true,
		Steps: []Step{
			{ID: "rotate_logs", Name: "Rotate logs", ThingID: "host", ProfileID: "logrotate"},
			{ID: "prune_cache", Name: "Prune caches", ThingID: "host", ProfileID: "prune-cache"},
			{ID: "report", Name: "Report free space", ThingID: "host", ProfileID: "df", DependsOn: []string{"rotate_logs", "prune_cache"}, Condition: Always()},
		},
	},
	{
		ID:          "tpl_failover_with_rollback",
		Name:        "failover_with_rollback",
		Description: "Promote replica; roll back when promotion or smoke test fails",
		IsEnabled:   true,
		Steps: []Step{
			{ID: "snapshot", Name: "Snapshot primary", ThingID: "db", ProfileID: "snapshot"},
			{ID: "promote", Name: "Promote replica", ThingID: "db", ProfileID: "promote", DependsOn: []string{"snapshot"}, Timeout: Duration(10 * time.Minute)},
			{ID: "smoke", Name: "Smoke test", ThingID: "app", ProfileID: "smoke", DependsOn: []string{"promote"}},
			{ID: "rollback", Name: "Roll back", ThingID: "db", ProfileID: "rollback", DependsOn: []string{"promote", "smoke"},
				Condition: Expression("promote.failed OR smoke.failed")},
		},
	},
}
