package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

type args struct {
	dataDir     string
	importGroup string
	importShare string
	logLevel    string
	relays      []string
}

func ParseArgs() (args, error) {
	flag.Usage = func() {
		fmt.Printf("Igloo Signer - a headless FROST signing device for nostr.\n\n")
		fmt.Printf("Usage: %s [options]\n", os.Args[0])
		flag.PrintDefaults()
	}
	dataDir := flag.String("data-dir", "data", "Directory holding config and the credential store")
	importGroup := flag.String("import-group", "", "Store this bfgroup credential before starting")
	importShare := flag.String("import-share", "", "Store this bfshare credential before starting")
	logLevel := flag.String("log-level", "", "Override the configured log level (debug, info, warn, error)")
	relays := flag.String("relays", "", "Comma separated relay URLs to save into the config")

	flag.Parse()

	if (*importGroup == "") != (*importShare == "") {
		return args{}, fmt.Errorf("-import-group and -import-share must be given together")
	}

	var relayList []string
	for _, r := range strings.Split(*relays, ",") {
		if r = strings.TrimSpace(r); r != "" {
			relayList = append(relayList, r)
		}
	}

	return args{
		*dataDir,
		*importGroup,
		*importShare,
		*logLevel,
		relayList,
	}, nil
}
