package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/Zedeldi/igelfs"
)

type rootParameters struct {
	ImageFilepath string `short:"f" long:"image-filepath" description:"File-path of IGFS image or block device" required:"true"`
	Deep          bool   `short:"d" long:"deep" description:"Also recompute the per-section hash chain"`
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

	keyring := igelfs.NewKeyring()

	err = fs.VerifyImage(rootArguments.Deep, keyring)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verification failed: %s\n", err)

		if errors.Is(err, igelfs.ErrSignatureInvalid) == true || errors.Is(err, igelfs.ErrUntrustedSigner) == true {
			os.Exit(4)
		}

		os.Exit(3)
	}

	fmt.Printf("OK\n")
}
