package cmd

import (
	"fmt"
)

const banner = `
  _____                 _____ _             
 |_   _|               / ____(_)            
   | |  _ __ ___  _ __| (___  _  __ _ _ __  
   | | | '__/ _ \| '_ \\___ \| |/ _` + "`" + ` | '_ \ 
  _| |_| | | (_) | | | |___) | | (_| | | | |
 |_____|_|  \___/|_| |_|____/|_|\__, |_| |_|
                                 __/ |      
                                |___/       
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Qualified Signature Broker - Version %s\x1b[0m\n\n", Version)
}
