package kv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ValentinKolb/kvhost/cmd/util"
	"github.com/ValentinKolb/kvhost/rpc/common"
	"github.com/spf13/cobra"
)

var (
	putCmd = &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := database.Put([]byte(args[0]), []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("put successfully")
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			resp, ok, err := database.Get([]byte(key))
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%v, resp=%s\n", key, ok, resp)
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key value pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := database.Delete([]byte(args[0])); err != nil {
				return err
			}
			fmt.Println("delete successfully")
			return nil
		},
	}
	hasCmd = &cobra.Command{
		Use:   "has [key]",
		Short: "Checks if a key exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			ok, err := database.Has([]byte(key))
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%v\n", key, ok)
			return nil
		},
	}
	rangeCmd = &cobra.Command{
		Use:   "range [from] [to]",
		Short: "Lists the pairs between two keys (both inclusive, omit to for no upper bound)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var to []byte
			if len(args) == 2 {
				to = []byte(args[1])
			}
			limit, _ := cmd.Flags().GetUint32("limit")
			pairs, err := database.Range([]byte(args[0]), to, limit)
			if err != nil {
				return err
			}
			printPairs(pairs)
			return nil
		},
	}
	sliceCmd = &cobra.Command{
		Use:   "slice [from] [count]",
		Short: "Lists count pairs starting at a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("count must be a number: %w", err)
			}
			pairs, err := database.Slice([]byte(args[0]), uint32(count))
			if err != nil {
				return err
			}
			printPairs(pairs)
			return nil
		},
	}
	mgetCmd = &cobra.Command{
		Use:   "mget [key]...",
		Short: "Reads the values of several keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := make([][]byte, len(args))
			for i, k := range args {
				keys[i] = []byte(k)
			}
			pairs, missing, err := database.MGet(keys)
			if err != nil {
				return err
			}
			printPairs(pairs)
			if missing {
				fmt.Println("warning: some keys were not found")
			}
			return nil
		},
	}
	batchCmd = &cobra.Command{
		Use:   "batch [op]...",
		Short: "Applies puts and deletes atomically",
		Long: util.WrapString(`Applies puts and deletes atomically. Every op is either
put:KEY=VALUE or del:KEY, e.g. kvhost kv batch put:a=1 put:b=2 del:c`),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := parseBatchOps(args)
			if err != nil {
				return err
			}
			if err := database.Batch(ops); err != nil {
				return err
			}
			fmt.Printf("batch of %d operations applied successfully\n", len(ops))
			return nil
		},
	}
)

func init() {
	rangeCmd.Flags().Uint32("limit", 0, util.WrapString("Maximum number of pairs to return, 0 means no limit"))
}

// parseBatchOps parses the put:KEY=VALUE and del:KEY arguments of batch
func parseBatchOps(args []string) ([]common.BatchOp, error) {
	ops := make([]common.BatchOp, 0, len(args))
	for _, arg := range args {
		kind, rest, ok := strings.Cut(arg, ":")
		if !ok || rest == "" {
			return nil, fmt.Errorf("invalid batch op %q (expected put:KEY=VALUE or del:KEY)", arg)
		}
		switch kind {
		case "put":
			key, value, ok := strings.Cut(rest, "=")
			if !ok || key == "" {
				return nil, fmt.Errorf("invalid put op %q (expected put:KEY=VALUE)", arg)
			}
			ops = append(ops, common.BatchOp{Key: []byte(key), Value: []byte(value)})
		case "del":
			ops = append(ops, common.BatchOp{Delete: true, Key: []byte(rest)})
		default:
			return nil, fmt.Errorf("invalid batch op kind %q (expected put or del)", kind)
		}
	}
	return ops, nil
}

func printPairs(pairs []common.KVPair) {
	for _, p := range pairs {
		if !p.Found {
			fmt.Printf("key=%s, found=false\n", p.Key)
			continue
		}
		fmt.Printf("key=%s, value=%s\n", p.Key, p.Value)
	}
	fmt.Printf("(%d pairs)\n", len(pairs))
}
