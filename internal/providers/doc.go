// Package providers converts between the canonical block message model and
// each LLM provider's wire protocol.
//
// Every adapter implements the same small contract: Send issues one streaming
// completion and yields canonical deltas, Probe answers a cheap liveness
// question, FilterTools drops tool definitions the provider cannot express.
// Anthropic's protocol is already block-shaped, so its mapping is direct; the
// OpenAI-compatible, Gemini, Bedrock and Ollama adapters synthesize block
// structure from their flatter streams.
//
// The Router fronts an ordered list of adapters with per-target failure
// tracking and exponential cooldown. It fails over only before any content
// has been forwarded downstream; a stream that breaks mid-answer surfaces the
// error instead of silently resuming on another provider.
package providers
