package session

import (
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/pkg/mode"
)

func pipelineConfig() pipeline.Config { return pipeline.ConfigFor(mode.Full()) }
