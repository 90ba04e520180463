package main

// Remote catalog drivers. sqlite3 serves file catalogs on shared storage;
// libsql serves libsql://, https:// and http:// catalogs.
import (
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "github.com/tursodatabase/go-libsql"
)
