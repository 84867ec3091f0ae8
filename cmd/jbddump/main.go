// jbddump prints the journal of an ext4 image: the journal superblock,
// then every record the recovery scan would visit, optionally with a
// hexdump of the journaled data blocks. It never writes to the image.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	backendfile "github.com/diskfs/go-jbd/backend/file"
	"github.com/diskfs/go-jbd/ext4"
	"github.com/diskfs/go-jbd/jbd"
	"github.com/diskfs/go-jbd/util"
)

func main() {
	var (
		image   = flag.String("image", "", "path to the ext4 image or device")
		hexdump = flag.Bool("hex", false, "hexdump journaled data blocks")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()
	if *image == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := dump(*image, *hexdump); err != nil {
		logrus.WithError(err).Fatal("could not dump journal")
	}
}

func dump(path string, hexdump bool) error {
	storage, err := backendfile.Open(path)
	if err != nil {
		return err
	}
	defer storage.Close()

	fs, err := ext4.Read(storage)
	if err != nil {
		return err
	}
	jf, err := jbd.Open(fs)
	if err != nil {
		return err
	}
	defer jf.Close()

	sb := jf.Superblock()
	fmt.Printf("journal inode:   %d\n", fs.Superblock().JournalInode())
	fmt.Printf("block size:      %d\n", sb.BlockSize())
	fmt.Printf("length:          %d blocks\n", sb.MaxLen())
	fmt.Printf("first log block: %d\n", sb.First())
	fmt.Printf("sequence:        %d\n", sb.Sequence())
	fmt.Printf("start:           %d\n", sb.Start())
	fmt.Printf("uuid:            %s\n", sb.UUID())
	fmt.Printf("incompat:        0x%x\n", sb.FeaturesIncompatible())
	if !sb.ChecksumValid() {
		fmt.Println("warning: superblock checksum does not verify")
	}
	if sb.Start() == 0 {
		fmt.Println("\nlog is clean")
		return nil
	}

	fmt.Println()
	var records int
	_, last, err := jf.ScanLog(func(rec jbd.LogRecord) bool {
		records++
		fmt.Printf("block %4d  seq %d  %s\n", rec.IBlock, rec.TransID, rec.Type)
		for _, tag := range rec.Tags {
			dest := fmt.Sprintf("-> block %d", tag.Block)
			if tag.Escape {
				dest = "-> superblock (escaped)"
			}
			fmt.Printf("    tag: data at %d %s", tag.DataIBlock, dest)
			if tag.UUID != nil {
				fmt.Printf("  uuid %s", tag.UUID)
			}
			fmt.Println()
			if hexdump {
				data, err := jf.ReadLogBlock(tag.DataIBlock)
				if err != nil {
					fmt.Printf("    (unreadable: %v)\n", err)
					continue
				}
				fmt.Print(util.DumpByteSlice(data, 16, true))
			}
		}
		for _, lba := range rec.Revoked {
			fmt.Printf("    revoke block %d\n", lba)
		}
		return true
	})
	if err != nil {
		return err
	}
	fmt.Printf("\n%d records, last complete transaction %d\n", records, last)
	return nil
}
