package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/config"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/database"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/queue"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/state"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const defaultStateListLimit = 20

var errQueueNeedsCachePath = errors.New("queue list needs cache.path: the in-memory cache only lives inside the serving process")

func newQueueCommand() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the outbound push queue",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List entities waiting to be pushed to the other servers",
		Long: `List entities waiting to be pushed to the other servers.

Reads the persistent badger cache at cache.path. The cache directory is locked while
"watchstate serve" holds it open, so stop the server first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			store, err := openPersistentCache(appConfig.CachePath)
			if err != nil {
				return err
			}
			defer store.Close()

			pushQueue, err := queue.New(store)
			if err != nil {
				return err
			}
			pending, err := pushQueue.Pending(cmd.Context())
			if err != nil {
				return err
			}
			return renderEntities(cmd.OutOrStdout(), pending)
		},
	}

	queueCmd.AddCommand(listCmd)
	return queueCmd
}

func openPersistentCache(path string) (cache.Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errQueueNeedsCachePath
	}
	store, err := cache.OpenBadger(path)
	if err != nil {
		return nil, fmt.Errorf("open cache %s (is watchstate serve running?): %w", path, err)
	}
	return store, nil
}

func newStateCommand() *cobra.Command {
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect stored watch state",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recently updated entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			db, err := database.OpenSQLite(appConfig.DatabasePath, zap.NewNop())
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			repository, err := state.NewRepository(state.RepositoryConfig{Database: db})
			if err != nil {
				return err
			}
			entities, err := repository.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return renderEntities(cmd.OutOrStdout(), entities)
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", defaultStateListLimit, "Maximum number of entities to list")

	stateCmd.AddCommand(listCmd)
	return stateCmd
}

func renderEntities(out io.Writer, entities []state.Entity) error {
	if len(entities) == 0 {
		_, err := fmt.Fprintln(out, "No entities.")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tType\tTitle\tWatched\tUpdated\tVia")
	for _, entity := range entities {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%s\n",
			entity.ID,
			entity.Type,
			describe(entity),
			strconv.FormatBool(entity.Watched),
			time.Unix(entity.Updated, 0).UTC().Format(time.RFC3339),
			entity.Meta.Via,
		)
	}
	return writer.Flush()
}

func describe(entity state.Entity) string {
	meta := entity.Meta
	if entity.Type == state.TypeEpisode && meta.Series != "" {
		return fmt.Sprintf("%s - %dx%02d", meta.Series, meta.Season, meta.Episode)
	}
	if meta.Year > 0 {
		return fmt.Sprintf("%s (%d)", meta.Title, meta.Year)
	}
	if meta.Title == "" {
		return "-"
	}
	return meta.Title
}
