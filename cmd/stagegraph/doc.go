// Command stagegraph runs and inspects stage-graph pipelines.
//
// Usage:
//
//	stagegraph run [document]        # run the docanalysis pipeline once
//	stagegraph run --rules           # rule compliance variant
//	stagegraph inspect run.json      # summarize a persisted record
//	stagegraph serve                 # gRPC RunService plus /metrics
//
// Settings come from STAGEGRAPH_* environment variables; gate settings from
// <GATE>_CRITIC_ENABLED and <GATE>_CRITIC_MAX_RETRIES.
package main
