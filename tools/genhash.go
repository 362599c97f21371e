package main

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	password := "admin"
	if len(os.Args) > 1 {
		password = os.Args[1]
	}
	h, _ := bcrypt.GenerateFromPassword([]byte(password), 10)
	fmt.Println(string(h))
}
