// Modelbridge is a bidirectional LLM gateway. It accepts requests in the
// Anthropic messages dialect or the OpenAI chat-completions dialect, routes
// them to a configured upstream provider, and translates responses back into
// the dialect the client spoke.
//
// Usage:
//
//	# Start the gateway
//	modelbridge serve
//
//	# Start with a configuration file
//	modelbridge serve --config /etc/modelbridge/config.yaml
//
//	# Probe a running gateway (for container HEALTHCHECK)
//	modelbridge healthcheck
//
//	# Inspect or prune the prompt cache
//	modelbridge cache stats
//	modelbridge cache prune
package main

func main() {
	Execute()
}
