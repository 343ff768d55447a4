package dbmem_test

import (
	"testing"

	"github.com/romshark/cdcrelay/db"
	"github.com/romshark/cdcrelay/db/dbmem"
	"github.com/romshark/cdcrelay/db/dbtest"
)

func TestDB(t *testing.T) {
	dbtest.Run(t, func(t *testing.T) db.DB { return dbmem.New() })
}
