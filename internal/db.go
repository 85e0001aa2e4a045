package internal

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

var Db *sql.DB

func InitDb(path string) {
	var err error

	Db, err = OpenDb(path)
	if err != nil {
		panic(err)
	}
}

func OpenDb(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		create table if not exists source (
			name varchar(64) not null,
			content text not null,
			active boolean not null default false,
			cron varchar(32) not null default '',
			last_modified_date datetime not null default current_timestamp,
			primary key(name)
		);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
