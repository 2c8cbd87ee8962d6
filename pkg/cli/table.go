package cli

import (
	"context"

	"delta-append/internal/deltalog"
	"delta-append/internal/service/ingestion"
	"delta-append/internal/storage"
	"delta-append/internal/writer"
)

// tableHandle bundles the components bound to one table location.
type tableHandle struct {
	reader  *deltalog.Reader
	service *ingestion.AppendService
}

func (app *appContext) openTable(ctx context.Context) (*tableHandle, error) {
	if err := app.cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, app.cfg)
	if err != nil {
		return nil, err
	}
	reader := deltalog.NewReader(store, app.logger)
	w := writer.New(store, app.logger, writer.OptionsFromConfig(app.cfg))
	return &tableHandle{
		reader:  reader,
		service: ingestion.NewAppendService(reader, w, app.logger),
	}, nil
}
