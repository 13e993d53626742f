package bastion

import (
	"github.com/wavecrest/bastion/pkg/bastion"
)

// Re-export main types for convenience
type (
	Config   = bastion.Config
	Pipeline = bastion.Pipeline
	Request  = bastion.Request
	Decision = bastion.Decision
	Identity = bastion.Identity
	Option   = bastion.Option
)

// NewPipeline creates a new protection pipeline
var NewPipeline = bastion.NewPipeline

// NewConfig creates a Config with production defaults
var NewConfig = bastion.NewConfig
