package mocks

//go:generate mockery --name Sink --srcpkg github.com/aevon-lab/metricflow/internal/ingestion --output ./ingestion --outpkg ingestionmocks --with-expecter
