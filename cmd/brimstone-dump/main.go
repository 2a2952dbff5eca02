// brimstone-dump walks a formatted journal chunk offline and prints every
// log group and record. Useful for post-mortem inspection of a device.
//
// Usage:
//
//	brimstone-dump -device path/to/journal.chunk [-start offset] [-v] [-sqlite out.db]
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"
	_ "github.com/mattn/go-sqlite3"

	"brimstone/device"
	"brimstone/logdev"
)

func main() {
	devicePath := flag.String("device", "", "journal chunk file to scan")
	startOffset := flag.Int64("start", -1, "device offset to start scanning at (default: first data block)")
	verbose := flag.Bool("v", false, "dump full group headers")
	sqlitePath := flag.String("sqlite", "", "export records into a sqlite database")
	flag.Parse()

	if *devicePath == "" {
		fmt.Fprintln(os.Stderr, "usage: brimstone-dump -device <chunk file> [-start offset] [-v] [-sqlite out.db]")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if err := run(*devicePath, *startOffset, *verbose, *sqlitePath, logger); err != nil {
		color.Red("dump failed: %v", err)
		os.Exit(1)
	}
}

func run(devicePath string, startOffset int64, verbose bool, sqlitePath string, logger *slog.Logger) error {
	dev, err := device.Open(devicePath, logger)
	if err != nil {
		return err
	}
	defer dev.Close()

	if startOffset < 0 {
		startOffset = dev.OffsetOf(0)
	}

	var db *sql.DB
	var insert *sql.Stmt
	if sqlitePath != "" {
		db, err = sql.Open("sqlite3", sqlitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS journal_records (
			log_idx INTEGER PRIMARY KEY,
			stream_id INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			group_offset INTEGER NOT NULL,
			size INTEGER NOT NULL,
			inlined INTEGER NOT NULL
		)`); err != nil {
			return err
		}
		insert, err = db.Prepare(`INSERT OR REPLACE INTO journal_records
			(log_idx, stream_id, seq, group_offset, size, inlined) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer insert.Close()
	}

	fmt.Printf("device: %s  uuid=%s  block_size=%d  capacity=%d blks\n",
		devicePath, dev.UUID(), dev.BlockSize(), dev.CapacityBlks())

	fsm := uint64(dev.BlockSize())
	if fsm < 512 {
		fsm = 512
	}
	reader := logdev.NewStreamReader(dev, startOffset, fsm, logger)

	groupLine := color.New(color.FgGreen, color.Bold)
	recordLine := color.New(color.FgCyan)
	var groups, records uint64

	for {
		buf, devOffset, err := reader.NextGroup()
		if err != nil {
			color.Red("chain corruption: %v", err)
			return err
		}
		if buf == nil {
			break
		}
		hdr, _ := logdev.ParseGroupHeader(buf)
		groups++

		groupLine.Printf("group @%d  idx=[%d..%d]  size=%d  crc=%08x  prev=%08x  logdev=%d\n",
			devOffset, hdr.StartLogIdx, hdr.StartLogIdx+int64(hdr.NRecords)-1,
			hdr.GroupSize, hdr.CurGrpCRC, hdr.PrevGrpCRC, hdr.LogdevID)
		if verbose {
			spew.Fdump(os.Stdout, hdr)
		}

		for i := uint32(0); i < hdr.NRecords; i++ {
			rec := hdr.Record(buf, i)
			idx := hdr.StartLogIdx + int64(i)
			records++
			area := "oob"
			if rec.Inlined {
				area = "inline"
			}
			recordLine.Printf("  record idx=%d stream=%d seq=%d size=%d %s\n",
				idx, rec.StreamID, rec.Seq, rec.Size, area)
			if insert != nil {
				inlined := 0
				if rec.Inlined {
					inlined = 1
				}
				if _, err := insert.Exec(idx, rec.StreamID, rec.Seq, devOffset, rec.Size, inlined); err != nil {
					return fmt.Errorf("sqlite export: %w", err)
				}
			}
		}
	}

	fmt.Printf("scanned %d groups, %d records, cursor=%d\n", groups, records, reader.Cursor())
	return nil
}
