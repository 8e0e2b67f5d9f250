// Package model defines the LLM provider port. Every vendor adapter must
// produce output already expressed in the canonical chunk shape of package
// chat; flows and agents never see a vendor wire format.
package model
