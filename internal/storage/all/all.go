// Package all links every storage backend into the binary.
package all

import (
	_ "cobranza/internal/storage/mssql"
	_ "cobranza/internal/storage/postgres"
	_ "cobranza/internal/storage/sqlite"
)
