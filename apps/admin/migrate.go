package main

import (
	"github.com/trezcool/goose"

	appfs "github.com/trezcool/darasa/fs"
	"github.com/trezcool/darasa/storage/database"
)

var gooseRunFunc = goose.RunFS // mockable

func (cli *commandLine) createDB() error {
	return database.CreateIfNotExist(cli.conf)
}

func (cli *commandLine) migrate(args []string) error {
	arguments := make([]string, 0)
	if len(args) > 1 {
		arguments = append(arguments, args[1:]...)
	}
	return gooseRunFunc(args[0], cli.db, appfs.FS, "migrations", arguments...)
}
