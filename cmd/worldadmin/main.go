// Command worldadmin is the offline counterpart to cmd/gameserver:
// schema migration and world-content seeding, grounded on tinode-db's
// main.go/makedb.go (flag-driven config + JSON data file loaded into the
// store) reshaped around a cobra command pair and this domain's single
// generic entities table instead of chat's per-kind tables.
package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ElevenGiants/eleven-server/internal/persist"
	"github.com/ElevenGiants/eleven-server/internal/persist/pgdriver"
	"github.com/ElevenGiants/eleven-server/internal/tsid"
)

var (
	dsn          string
	dataPath     string
	operatorHash string
	operatorPass string
)

func main() {
	root := &cobra.Command{Use: "worldadmin", Short: "Migrate schema and seed world content"}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run pending schema migrations",
		RunE:  runMigrate,
	}
	migrateCmd.Flags().StringVar(&dsn, "dsn", "", "Postgres connection string")
	migrateCmd.MarkFlagRequired("dsn")

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a world-content JSON file into the entities table",
		RunE:  runSeed,
	}
	seedCmd.Flags().StringVar(&dsn, "dsn", "", "Postgres connection string")
	seedCmd.Flags().StringVar(&dataPath, "data", "", "path to a world-content JSON file")
	seedCmd.Flags().StringVar(&operatorHash, "operator-hash", "", "bcrypt hash of the operator passphrase required to seed a live world; unset disables the gate")
	seedCmd.Flags().StringVar(&operatorPass, "operator-pass", "", "operator passphrase, checked against --operator-hash")
	seedCmd.MarkFlagRequired("dsn")
	seedCmd.MarkFlagRequired("data")

	root.AddCommand(migrateCmd, seedCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	log, _ := zap.NewProduction()
	defer log.Sync()

	d := pgdriver.New(log)
	if err := d.Init(context.Background(), dsn); err != nil {
		return errors.Wrap(err, "worldadmin: migrate")
	}
	defer d.Close(context.Background())
	log.Info("worldadmin: migrations applied")
	return nil
}

// seedRecord is one entity's on-disk shape in a world-content file,
// mirroring tinode-db/main.go's flat JSON-per-object seeding convention
// but keyed by this domain's generic Record{TSID,Class,Fields} shape
// instead of chat's per-kind User/GroupTopic structs.
type seedRecord struct {
	TSID   string                 `json:"tsid"`
	Class  string                 `json:"class"`
	Fields map[string]interface{} `json:"fields"`
}

type seedFile struct {
	Entities []seedRecord `json:"entities"`
}

// checkOperator gates the seed command when --operator-hash is set, so
// seeding a live world requires the passphrase whose bcrypt hash is held by
// whoever runs this tool, not just database credentials. Left unset, the
// gate is a no-op, matching plain dev/test usage against memkv-backed or
// disposable databases.
func checkOperator(hash, pass string) error {
	if hash == "" {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)); err != nil {
		return errors.Wrap(err, "worldadmin: operator passphrase check failed")
	}
	return nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	log, _ := zap.NewProduction()
	defer log.Sync()

	if err := checkOperator(operatorHash, operatorPass); err != nil {
		return err
	}

	raw, err := os.ReadFile(dataPath)
	if err != nil {
		return errors.Wrapf(err, "worldadmin: reading %s", dataPath)
	}
	var sf seedFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return errors.Wrap(err, "worldadmin: parsing world-content JSON")
	}

	d := pgdriver.New(log)
	if err := d.Init(context.Background(), dsn); err != nil {
		return errors.Wrap(err, "worldadmin: connect")
	}
	defer d.Close(context.Background())

	ctx := context.Background()
	records := make([]*persist.Record, 0, len(sf.Entities))
	for _, e := range sf.Entities {
		t := tsid.TSID(e.TSID)
		if !t.Valid() {
			return errors.Newf("worldadmin: invalid tsid %q in %s", e.TSID, dataPath)
		}
		records = append(records, &persist.Record{TSID: t, Class: e.Class, Fields: e.Fields})
	}
	if err := d.Write(ctx, records); err != nil {
		return errors.Wrap(err, "worldadmin: writing seed records")
	}
	log.Info("worldadmin: seeded entities", zap.Int("count", len(records)))
	return nil
}
