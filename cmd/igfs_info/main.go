package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/Zedeldi/igelfs"
)

type rootParameters struct {
	ImageFilepath string `short:"f" long:"image-filepath" description:"File-path of IGFS image or block device" required:"true"`
	ShowExtents   bool   `short:"e" long:"extents" description:"Also list the extents of every partition"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(1)
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

	fmt.Printf("Sections: (%d) x (%s)\n", fs.SectionCount(), humanize.IBytes(uint64(fs.SectionSize())))
	fmt.Printf("\n")

	infos, err := fs.Describe()
	log.PanicIf(err)

	for _, info := range infos {
		fmt.Printf("Partition (%d): [%s]\n", info.Minor, info.Name)
		fmt.Printf("  Type: (%d)\n", info.Type)
		fmt.Printf("  Sections: (%d)\n", info.SectionCount)
		fmt.Printf("  Payload: %s\n", humanize.IBytes(info.PayloadSize))
		fmt.Printf("  Hashed: [%v]  Encrypted: [%v]\n", info.Hashed, info.Encrypted)

		if rootArguments.ShowExtents == true {
			for _, ed := range info.Extents {
				fmt.Printf("  %s\n", ed)
			}
		}

		fmt.Printf("\n")
	}
}
