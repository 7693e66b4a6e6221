package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kavos113/quickctf/ctf-server/infrastructure/repository"
	"github.com/kavos113/quickctf/lib/logger"
)

func newSchemaCmd() *cobra.Command {
	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the MySQL schema",
	}

	var schemaPath string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create missing tables and seed the clock row",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbConfig := repository.NewConfigFromEnv()
			if schemaPath != "" {
				dbConfig.SchemaPath = schemaPath
			}

			db, err := repository.Connect(dbConfig, logger.NewWithWriter(cmd.ErrOrStderr(), "ctf-admin"))
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := repository.InitSchema(cmd.Context(), db, dbConfig.SchemaPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d statements from %s\n", applied, dbConfig.SchemaPath)
			return nil
		},
	}
	initCmd.Flags().StringVar(&schemaPath, "schema", "", "Schema file (default $SCHEMA_PATH)")

	schemaCmd.AddCommand(initCmd)
	return schemaCmd
}
