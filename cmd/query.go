package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/viewkeeper/viewkeeper/cmd/util"
	"github.com/viewkeeper/viewkeeper/pkg/query"
	"github.com/viewkeeper/viewkeeper/pkg/score"
)

const (
	queryOperationFlag   = "operation"
	queryMinScoreFlag    = "min-score"
	queryMaxScoreFlag    = "max-score"
	queryOffsetFlag      = "offset"
	queryLimitFlag       = "limit"
	queryTTLFlag         = "ttl"
	queryMinCategoryFlag = "min-category"
)

// NewQueryCommand runs set algebra across collections.
func NewQueryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <collection-key> [collection-key ...]",
		Short: "Run set algebra across collections into a temporary result",
		Long: `Runs union, intersection or difference across the given collection keys,
materializing the result into a TTL-bounded temporary collection. For
'difference' the first key is the base and the rest are excluded. The result
can be trimmed by score range and rank window; range trimming always happens
before the rank window.`,
		RunE: runQuery,
		Args: cobra.MinimumNArgs(1),
		PreRun: func(cmd *cobra.Command, args []string) {
			flags := cmd.Flags()

			util.MustBindPFlag(datastoreEngineFlag, flags.Lookup(datastoreEngineFlag))
			util.MustBindPFlag(datastoreURIFlag, flags.Lookup(datastoreURIFlag))
		},
	}

	bindDatastoreFlags(cmd)
	flags := cmd.Flags()
	flags.String(queryOperationFlag, "union", "algebra to run: 'union', 'intersection' or 'difference'")
	flags.Float64(queryMinScoreFlag, 0, "drop members scored below this value")
	flags.Float64(queryMaxScoreFlag, 0, "drop members scored above this value")
	flags.Int64(queryOffsetFlag, 0, "drop this many leading members after score trimming")
	flags.Int64(queryLimitFlag, 0, "keep at most this many members (0 keeps all)")
	flags.Duration(queryTTLFlag, query.DefaultTTL, "lifetime of the temporary result collection")
	flags.String(queryMinCategoryFlag, "", "only consider members whose permission bits meet this category")

	return cmd
}

func runQuery(cmd *cobra.Command, args []string) error {
	log := mustLogger()

	store, err := openDatastore(log)
	if err != nil {
		return err
	}
	defer store.Close()

	flags := cmd.Flags()

	spec := query.Spec{}
	switch op, _ := flags.GetString(queryOperationFlag); op {
	case "union":
		spec.Operation = query.OperationUnion
	case "intersection":
		spec.Operation = query.OperationIntersection
	case "difference":
		spec.Operation = query.OperationDifference
	default:
		return fmt.Errorf("unknown operation %q", op)
	}

	if flags.Changed(queryMinScoreFlag) {
		min, _ := flags.GetFloat64(queryMinScoreFlag)
		spec.MinScore = &min
	}
	if flags.Changed(queryMaxScoreFlag) {
		max, _ := flags.GetFloat64(queryMaxScoreFlag)
		spec.MaxScore = &max
	}
	spec.Offset, _ = flags.GetInt64(queryOffsetFlag)
	spec.Limit, _ = flags.GetInt64(queryLimitFlag)

	var opts []query.QueryOption
	ttl, _ := flags.GetDuration(queryTTLFlag)
	if ttl > 0 {
		opts = append(opts, query.WithTTL(ttl))
	}
	if name, _ := flags.GetString(queryMinCategoryFlag); name != "" {
		category, err := score.ParseCategory(name)
		if err != nil {
			return err
		}
		opts = append(opts, query.WithMinCategory(category))
	}

	engine := query.New(store, query.WithLogger(log))

	started := time.Now()
	result, err := engine.QueryCollections(cmd.Context(), args, spec, opts...)
	if err != nil {
		return err
	}

	members, err := engine.Members(cmd.Context(), result)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "%s: %d members (ttl %s, took %s)\n",
		result.Key, result.Size, result.TTL, time.Since(started).Round(time.Millisecond))
	for _, m := range members {
		fmt.Fprintf(os.Stdout, "  %s\t%g\n", m.Member, m.Score)
	}

	return nil
}
