package dump

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/fgeck/gorsnapshot/internal/models"
	"github.com/kballard/go-shellquote"
)

const (
	mysqlDefaultsFile = "--defaults-file=/etc/mysql/debian.cnf"
	lockPollSeconds   = "5"
	dbVar             = "db"
)

// Schemas never dumped when enumerating every database.
var (
	mysqlSystemSchemas = []string{"information_schema", "performance_schema"}
	mongoSystemDBs     = []string{"local"}
)

// BuildScript returns the remote shell script that prepares fresh dumps for
// a database item. The item must have defaults applied.
func BuildScript(item models.BackupItem) (string, error) {
	dir := item.DumpDir()
	if dir == "" {
		return "", fmt.Errorf("item type %s has no dump directory", item.Type)
	}

	s := &Script{}
	if item.VerbosityLevel >= 5 {
		s.Set("-x")
	}
	s.Set("-e")
	s.Set("-o", "pipefail")

	d := Lit(dir)
	lockDir := Lit(path.Join(dir, "dump.lock"))
	s.Exec(Run("mkdir", "-p", dir))
	s.Exec(Run("chmod", "700", dir))
	s.WhileDir(lockDir, func(s *Script) {
		s.Exec(Run("sleep", lockPollSeconds))
	})
	s.Exec(Cmd(Lit("mkdir"), lockDir))
	s.OnExit(Cmd(Lit("rm"), Lit("-rf"), lockDir))
	s.Exec(Cmd(Lit("cd"), d))

	mmin := "+" + strconv.Itoa(int(item.DumpExpiry().Minutes()))

	var err error
	switch item.Type {
	case models.TypeMySQLSSH:
		if item.IsXtrabackup() {
			s.Exec(Run("find", dir, "-type", "d", "-name", "*.xtrabackup", "-mmin", mmin, "-exec", "rm", "-rf", "{}", "+"))
			err = xtrabackup(s, item)
		} else {
			s.Exec(Run("find", dir, "-type", "f", "-name", "*.gz", "-mmin", mmin, "-delete"))
			err = mysqldump(s, item)
		}
	case models.TypePostgreSQLSSH:
		s.Exec(Run("find", dir, "-type", "f", "-name", "*.gz", "-mmin", mmin, "-delete"))
		err = pgdump(s, item)
	case models.TypeMongoDBSSH:
		s.Exec(Run("find", dir, "-type", "f", "-name", "*.tar.gz", "-mmin", mmin, "-delete"))
		err = mongodump(s, item)
	default:
		err = fmt.Errorf("item type %s has no dump script", item.Type)
	}
	if err != nil {
		return "", err
	}

	return s.String(), nil
}

// userArgs splits a configured argument string into shell words.
func userArgs(field, args string) ([]Word, error) {
	words, err := shellquote.Split(args)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", field, err)
	}
	return Lits(words...), nil
}

// writeList runs the listing pipeline into list, dropping exact matches of
// the system names and the item's excludes. The grep stage is left out when
// there is nothing to drop.
func writeList(s *Script, list Word, system []string, item models.BackupItem, listing ...Command) {
	cmds := append([]Command(nil), listing...)
	names := append(append([]string(nil), system...), item.Exclude...)
	if len(names) > 0 {
		filter := Run("grep", "-v", "-x", "-F")
		for _, name := range names {
			filter = filter.With(Lit("-e"), Lit(name))
		}
		cmds = append(cmds, filter)
	}
	cmds[len(cmds)-1] = cmds[len(cmds)-1].To(list)
	s.Exec(cmds...)
}

func inDir(dir string, name Word, suffix string) Word {
	return Cat(Lit(dir+"/"), name, Lit(suffix))
}

func xtrabackup(s *Script, item models.BackupItem) error {
	extra, err := userArgs("xtrabackup_args", item.XtrabackupArgs)
	if err != nil {
		return err
	}

	dir := item.MySQLDumpDir
	name := item.Source
	if name == models.SourceAll {
		name = "all"
	}
	target := path.Join(dir, name+".xtrabackup")

	backup := Run("xtrabackup", "--backup", "--compress",
		"--throttle="+item.XtrabackupThrottle,
		"--parallel="+item.XtrabackupParallel,
		"--compress-threads="+item.XtrabackupCompressThreads,
		"--target-dir="+target)
	if item.Source == models.SourceAll {
		if len(item.Exclude) > 0 {
			backup = backup.With(Lit("--databases-exclude=" + strings.Join(item.Exclude, " ")))
		}
	} else {
		backup = backup.With(Lit("--databases=" + item.Source))
	}
	backup = backup.With(extra...)
	backup.StderrToOut = true

	s.UnlessDir(Lit(target), func(s *Script) {
		s.Exec(backup, Run("grep", "-v", "-e", "log scanned up to", "-e", "Skipping"))
	})
	return nil
}

func mysqldump(s *Script, item models.BackupItem) error {
	extra, err := userArgs("mysqldump_args", item.MysqldumpArgs)
	if err != nil {
		return err
	}

	dir := item.MySQLDumpDir
	dump := func(db Word) Command {
		c := Run("mysqldump", mysqlDefaultsFile, "--force", "--opt", "--single-transaction", "--quick", "--skip-lock-tables")
		if !models.Flag(item.MySQLNoEvents) {
			c = c.With(Lit("--events"))
		}
		return c.With(Lit("--databases"), db).With(extra...).With(Lit("--max_allowed_packet=1G"))
	}
	one := func(s *Script, db Word) {
		out := inDir(dir, db, ".gz")
		s.UnlessFile(out, func(s *Script) {
			s.Exec(dump(db), Run("gzip").To(out))
		})
	}

	if item.Source != models.SourceAll {
		one(s, Lit(item.Source))
		return nil
	}

	list := Lit(path.Join(dir, "db_list.txt"))
	writeList(s, list, mysqlSystemSchemas, item,
		Run("mysql", mysqlDefaultsFile, "--skip-column-names", "--batch", "-e", "SHOW DATABASES;"),
	)
	s.ForEachLine(dbVar, list, func(s *Script) {
		one(s, Var(dbVar))
	})
	return nil
}

func pgdump(s *Script, item models.BackupItem) error {
	extra, err := userArgs("pg_dump_args", item.PgDumpArgs)
	if err != nil {
		return err
	}

	dir := item.PostgreSQLDumpDir
	asPostgres := func(inner Command) Command {
		inner.StderrToNull = true
		return Cmd(Lit("su"), Lit("-"), Lit("postgres"), Lit("-c"), inner.Inline())
	}

	globals := asPostgres(Run("pg_dumpall", "--clean", "--schema-only", "--verbose"))
	s.Exec(globals, Run("gzip").To(Lit(path.Join(dir, "globals.gz"))))

	dump := func(db Word) Command {
		c := Run("pg_dump", "--create")
		if !models.Flag(item.PostgreSQLNoClean) {
			c = c.With(Lit("--clean"))
		}
		return asPostgres(c.With(extra...).With(Lit("--verbose"), db))
	}
	one := func(s *Script, db Word) {
		out := inDir(dir, db, ".gz")
		s.UnlessFile(out, func(s *Script) {
			s.Exec(dump(db), Run("gzip").To(out))
		})
	}

	if item.Source != models.SourceAll {
		one(s, Lit(item.Source))
		return nil
	}

	list := Lit(path.Join(dir, "db_list.txt"))
	listCmd := Run("psql", "--no-align", "-t", "-c", "SELECT datname FROM pg_database WHERE datistemplate = false", "template1")
	writeList(s, list, nil, item,
		Cmd(Lit("su"), Lit("-"), Lit("postgres"), Lit("-c"), listCmd.Inline()),
	)
	s.ForEachLine(dbVar, list, func(s *Script) {
		one(s, Var(dbVar))
	})
	return nil
}

func mongodump(s *Script, item models.BackupItem) error {
	extra, err := userArgs("mongo_args", item.MongoArgs)
	if err != nil {
		return err
	}

	dir := item.MongoDBDumpDir
	one := func(s *Script, db Word) {
		out := inDir(dir, db, ".tar.gz")
		s.UnlessFile(out, func(s *Script) {
			s.Exec(Run("mongodump", "--quiet").With(extra...).With(Lit("--out"), Lit(dir), Lit("--dumpDbUsersAndRoles"), Lit("--db"), db))
			s.Exec(Cmd(Lit("cd"), Lit(dir)))
			s.Exec(Cmd(Lit("tar"), Lit("zcvf"), out, db))
			s.Exec(Cmd(Lit("rm"), Lit("-rf"), inDir(dir, db, "")))
		})
	}

	if item.Source != models.SourceAll {
		one(s, Lit(item.Source))
		return nil
	}

	list := Lit(path.Join(dir, "db_list.txt"))
	writeList(s, list, mongoSystemDBs, item,
		Run("echo", "show dbs"),
		Run("mongo", "--quiet").With(extra...),
		Run("cut", "-f1", "-d", " "),
	)
	s.ForEachLine(dbVar, list, func(s *Script) {
		one(s, Var(dbVar))
	})
	return nil
}
