package app

import "errors"

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrDatasetNotFound  = errors.New("dataset not found")
	ErrQuestionNotFound = errors.New("question not found")
	ErrReportNotFound   = errors.New("bias report not found")
	ErrIngestInProgress = errors.New("an ingestion of this upload is already in progress")
	ErrDatasetBusy      = errors.New("dataset is still ingesting")
	ErrStateConflict    = errors.New("dataset changed state concurrently")
)
