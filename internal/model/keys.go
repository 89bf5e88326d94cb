package model

import "fmt"

// SecretPrivateKeyKey builds the Secret Cache key for a guardian's
// decrypted private key material.
func SecretPrivateKeyKey(electionID, guardianID string) string {
	return fmt.Sprintf("guardian:privatekey:%s:%s", electionID, guardianID)
}

// SecretPolynomialKey builds the Secret Cache key for a guardian's
// decrypted polynomial material.
func SecretPolynomialKey(electionID, guardianID string) string {
	return fmt.Sprintf("guardian:polynomial:%s:%s", electionID, guardianID)
}

// LockTallyKey builds the Lock Manager key guarding tally creation.
func LockTallyKey(electionID string) string {
	return fmt.Sprintf("lock:tally:%s", electionID)
}

// LockDecryptionKey builds the Lock Manager key guarding a guardian's
// decryption chain (partial + compensated).
func LockDecryptionKey(electionID, guardianID string) string {
	return fmt.Sprintf("lock:decryption:%s:%s", electionID, guardianID)
}

// LockCombineKey builds the Lock Manager key guarding combine.
func LockCombineKey(electionID string) string {
	return fmt.Sprintf("lock:combine:%s", electionID)
}
