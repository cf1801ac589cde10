// Command ridtreedemo exercises the ridtree module end to end: it loads a
// tree from a YAML spec (or builds a sensible default if none is given),
// puts and gets a handful of multi-value keys, range-scans them, registers
// a cron checkpoint, and reports the final state. It mirrors the shape of
// the teacher's own cmd/catalog_demo walkthrough binary.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/SimonWaldherr/ridtree/internal/ridtree"
	"github.com/SimonWaldherr/ridtree/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML tree config (optional)")
	flag.Parse()

	fmt.Println("=== ridtree demo ===")

	spec, cleanup := loadSpec(*configPath)
	defer cleanup()

	fmt.Printf("1. Opening tree %q at %s\n", spec.Name, spec.DBPath)
	tree, err := spec.OpenOrCreate()
	if err != nil {
		log.Fatalf("open tree: %v", err)
	}
	defer tree.Close()

	fmt.Println("\n2. Starting the checkpoint scheduler...")
	sched := storage.NewCheckpointScheduler()
	if err := sched.Register(spec.Name, spec.CheckpointCron, tree); err != nil {
		log.Fatalf("register checkpoint job: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	fmt.Println("\n3. Inserting multi-value keys:")
	orders := map[string][]ridtree.RID{
		"alice": {{ClusterID: 1, ClusterPos: 100}, {ClusterID: 1, ClusterPos: 101}},
		"bob":   {{ClusterID: 1, ClusterPos: 200}},
		"carol": {{ClusterID: 2, ClusterPos: 7}, {ClusterID: 2, ClusterPos: 8}, {ClusterID: 2, ClusterPos: 9}},
	}
	for name, rids := range orders {
		for _, rid := range rids {
			if err := tree.Put(ridtree.Key{name}, rid); err != nil {
				log.Fatalf("put %s: %v", name, err)
			}
		}
		fmt.Printf("   - %s: %d RID(s)\n", name, len(rids))
	}

	if err := tree.Put(nil, ridtree.RID{ClusterID: 9, ClusterPos: 1}); err != nil {
		log.Fatalf("put null key: %v", err)
	}
	fmt.Println("   - <null>: 1 RID")

	fmt.Println("\n4. Point lookups:")
	for _, name := range []string{"alice", "bob", "carol", "missing"} {
		rids, err := tree.Get(ridtree.Key{name})
		if err != nil {
			log.Fatalf("get %s: %v", name, err)
		}
		fmt.Printf("   - get(%q) -> %d RID(s)\n", name, len(rids))
	}

	fmt.Println("\n5. Ascending range scan over the whole key space:")
	pairs, err := tree.IterateBetween(nil, true, nil, true, true)
	if err != nil {
		log.Fatalf("range scan: %v", err)
	}
	for _, p := range pairs {
		fmt.Printf("   - %v -> %+v\n", p.Key, p.RID)
	}

	size, err := tree.Size()
	if err != nil {
		log.Fatalf("size: %v", err)
	}
	fmt.Printf("\n6. tree.Size() = %d\n", size)

	fmt.Println("\n7. Removing one of carol's RIDs...")
	removed, err := tree.Remove(ridtree.Key{"carol"}, ridtree.RID{ClusterID: 2, ClusterPos: 7})
	if err != nil {
		log.Fatalf("remove: %v", err)
	}
	fmt.Printf("   removed=%v\n", removed)

	fmt.Println("\n8. Checkpointing before exit...")
	if err := tree.Checkpoint(); err != nil {
		log.Fatalf("checkpoint: %v", err)
	}

	fmt.Println("\n=== Demo Complete ===")
}

// loadSpec returns the config-file-backed TreeSpec if configPath is set,
// else a throwaway temp-dir spec so the demo runs with zero setup.
func loadSpec(configPath string) (storage.TreeSpec, func()) {
	if configPath != "" {
		cfg, err := storage.LoadConfig(configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		if len(cfg.Trees) == 0 {
			log.Fatalf("config %s defines no trees", configPath)
		}
		return cfg.Trees[0], func() {}
	}

	dir, err := os.MkdirTemp("", "ridtreedemo-*")
	if err != nil {
		log.Fatalf("temp dir: %v", err)
	}
	spec := storage.TreeSpec{
		Name:           "demo",
		DBPath:         filepath.Join(dir, "demo.db"),
		WALPath:        filepath.Join(dir, "demo.wal"),
		NullPath:       filepath.Join(dir, "demo.null"),
		KeySize:        1,
		CheckpointCron: "",
	}
	return spec, func() {
		time.Sleep(10 * time.Millisecond) // let the last checkpoint settle before cleanup
		os.RemoveAll(dir)
	}
}
