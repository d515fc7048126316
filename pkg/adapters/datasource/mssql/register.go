package mssql

import "github.com/ekaya-inc/ekaya-ingest/pkg/adapters/datasource"

func init() {
	datasource.Register(datasource.SourceRegistration{
		Info: datasource.SourceInfo{
			Type:        SourceType,
			DisplayName: "Microsoft SQL Server",
			Description: "Ingest selected tables from SQL Server 2016+",
			Icon:        "mssql",
		},
		Source: NewAdapter(),
	})
}
