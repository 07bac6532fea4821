package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/Zedeldi/igelfs"
)

type rootParameters struct {
	ImageFilepath  string `short:"f" long:"image-filepath" description:"File-path of IGFS image or block device" required:"true"`
	PartitionMinor uint32 `short:"m" long:"minor" description:"Encrypted partition minor" required:"true"`
	BootID         string `short:"b" long:"boot-id" description:"Boot identifier, hex" required:"true"`
	ExtentName     string `short:"x" long:"extent" description:"Encrypted extent name" default:"writeable"`
	OutputFilepath string `short:"o" long:"output-filepath" description:"File-path to write the inflated archive to" required:"true"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(5)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(2)
	}

	bootID, err := hex.DecodeString(rootArguments.BootID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot-id is not valid hex\n")
		os.Exit(2)
	}

	fs, err := igelfs.OpenFilesystem(rootArguments.ImageFilepath)
	log.PanicIf(err)

	defer fs.Close()

	blob, err := fs.GetExtent(rootArguments.PartitionMinor, rootArguments.ExtentName)
	log.PanicIf(err)

	key, err := igelfs.DeriveExtentKey(bootID)
	log.PanicIf(err)

	defer igelfs.WipeBytes(key)

	tarData, err := igelfs.DecryptExtentFilesystem(blob, key, nil)
	log.PanicIf(err)

	err = os.WriteFile(rootArguments.OutputFilepath, tarData, 0o600)
	log.PanicIf(err)

	fmt.Printf("(%d) bytes written.\n", len(tarData))
}
