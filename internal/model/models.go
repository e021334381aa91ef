package model

// AllModels is the migration set, one table per record kind.
var AllModels = []interface{}{
	&Dataset{},
	&Question{},
	&Answer{},
	&ClassificationResult{},
	&BiasReport{},
}
