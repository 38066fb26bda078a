package autolog

import "github.com/ashita-ai/autolog/internal/model"

// Callback receives training lifecycle events. The callback autolog
// injects implements it; host frameworks call it.
type Callback = model.Callback

// Describer is implemented by host callbacks autolog should recognize:
// early stopping (its parameters and outcome are recorded) and event-log
// writers (their directory is uploaded as an artifact).
type Describer = model.Describer

// Summarizer is implemented by models that can render a text summary,
// recorded as the model_summary.txt artifact.
type Summarizer = model.Summarizer

// ModelSaver is implemented by models that serialize themselves. When model
// logging is on, the saved directory is recorded as the model artifact.
type ModelSaver = model.ModelSaver

// Configurable is a nested configuration object, such as an optimizer,
// whose entries are recorded as prefixed params.
type Configurable = model.Configurable

// OptimizerProvider is implemented by models that expose their optimizer;
// its configuration is recorded under the opt_ prefix.
type OptimizerProvider = model.OptimizerProvider

// LogDirProvider is implemented by training targets that write their own
// event logs.
type LogDirProvider = model.LogDirProvider
