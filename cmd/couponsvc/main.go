package main

import (
	"log"

	"magiccoupon/services/couponsvc"
)

func main() {
	if err := couponsvc.Main(); err != nil {
		log.Fatalf("couponsvc: %v", err)
	}
}
