// Command manifoldctl is a small demonstration client for package cf,
// structured the way novusdb's cmd/example and cmd/novusdb open a
// database, run a few operations, and print the result.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/cflayer/manifold/cf"
	"github.com/cflayer/manifold/engine"
)

func main() {
	path := flag.String("db", "manifold.db", "path to the database file")
	cfName := flag.String("cf", "default", "column family name")
	flag.Parse()

	db, err := cf.Open(*path, cf.Options{})
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer db.Close()

	column, err := db.ColumnFamilyOrCreate(*cfName, 0)
	if err != nil {
		log.Fatalf("open column family %q: %v", *cfName, err)
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println("usage: manifoldctl [-db path] [-cf name] put <table> <key> <value> | get <table> <key> | list")
		os.Exit(2)
	}

	switch args[0] {
	case "put":
		if len(args) != 4 {
			log.Fatal("usage: put <table> <key> <value>")
		}
		if err := put(column, args[1], args[2], args[3]); err != nil {
			log.Fatalf("put: %v", err)
		}
	case "get":
		if len(args) != 3 {
			log.Fatal("usage: get <table> <key>")
		}
		v, ok, err := get(column, args[1], args[2])
		if err != nil {
			log.Fatalf("get: %v", err)
		}
		if !ok {
			fmt.Println("(not found)")
			return
		}
		fmt.Println(string(v))
	case "list":
		for _, name := range db.ListColumnFamilies() {
			fmt.Println(name)
		}
	default:
		log.Fatalf("unknown command %q", args[0])
	}
}

func put(c *cf.ColumnFamily, table, key, value string) error {
	txn := c.BeginWrite()
	tbl, err := txn.OpenTable(table)
	if err != nil {
		txn.Rollback()
		return err
	}
	if err := tbl.Put([]byte(key), []byte(value)); err != nil {
		txn.Rollback()
		return err
	}
	txn.SetDurability(engine.DurabilityImmediate)
	return c.Commit(txn)
}

func get(c *cf.ColumnFamily, table, key string) ([]byte, bool, error) {
	txn := c.BeginRead()
	tbl, err := txn.OpenTable(table)
	if err != nil {
		if err == engine.ErrTableNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return tbl.Get([]byte(key))
}
