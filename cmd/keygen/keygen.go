package main

import (
	"fmt"

	"github.com/cbeuw/streamproto/internal/common"
)

func main() {
	key := common.GenerateKey()

	fmt.Printf("CLIENT and SERVER: \n")
	fmt.Printf("\"Key\":\"%v\"\n", key)
}
