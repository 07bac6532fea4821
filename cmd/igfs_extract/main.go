package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/Zedeldi/igelfs"
)

type rootParameters struct {
	ImageFilepath  string `short:"f" long:"image-filepath" description:"File-path of IGFS image or block device" required:"true"`
	PartitionMinor uint32 `short:"m" long:"minor" description:"Partition minor to extract from" required:"true"`
	ExtentName     string `short:"x" long:"extent" description:"Extent name (whole payload when omitted)"`
	OutputFilepath string `short:"o" long:"output-filepath" description:"File-path to write to ('-' for STDOUT)" required:"true"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(3)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(2)
	}

	fs, err := igelfs.OpenFilesystem(rootArguments.ImageFilepath)
	log.PanicIf(err)

	defer fs.Close()

	var data []byte

	if rootArguments.ExtentName != "" {
		data, err = fs.GetExtent(rootArguments.PartitionMinor, rootArguments.ExtentName)
		log.PanicIf(err)
	} else {
		partition, err := fs.GetPartition(rootArguments.PartitionMinor)
		log.PanicIf(err)

		data = partition.Payload()
	}

	var g *os.File

	if rootArguments.OutputFilepath == "-" {
		g = os.Stdout
	} else {
		var err error

		g, err = os.Create(rootArguments.OutputFilepath)
		log.PanicIf(err)

		defer func() {
			g.Close()
		}()
	}

	_, err = g.Write(data)
	log.PanicIf(err)

	if rootArguments.OutputFilepath != "-" {
		fmt.Printf("(%d) bytes written.\n", len(data))
	}
}
