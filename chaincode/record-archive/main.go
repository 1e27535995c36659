package main

import (
	"log"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/medvault/custody/chaincode/record-archive/recordarchive"
)

func main() {
	archiveChaincode, err := contractapi.NewChaincode(&recordarchive.SmartContract{})
	if err != nil {
		log.Panicf("Error creating RecordArchive chaincode: %v", err)
	}

	if err := archiveChaincode.Start(); err != nil {
		log.Panicf("Error starting RecordArchive chaincode: %v", err)
	}
}
