// Package llm contains the provider-neutral request and response types for
// tool-calling chat models. Concrete adapters live in the openai and
// pythonbridge sub-packages.
package llm
