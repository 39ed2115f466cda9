// Package fortune generates the protected resource payload.
package fortune

import "math/rand/v2"

// Fortune is the resource returned once settlement completes. Transaction
// carries the settlement transaction hash when one is available.
type Fortune struct {
	Fortune     string  `json:"fortune"`
	Category    string  `json:"category"`
	LuckyNumber int     `json:"luckyNumber"`
	Price       float64 `json:"price"`
	Transaction string  `json:"transaction,omitempty"`
}

var fortunes = []string{
	"A great adventure awaits you in the digital realm.",
	"Your blockchain investments will flourish like a digital garden.",
	"The stars align for your next smart contract deployment.",
	"Fortune favors the bold - mint your destiny today.",
	"Your wallet will overflow with unexpected tokens.",
	"A mysterious NFT will bring you great joy.",
	"The oracle speaks: hodl strong, prosperity comes.",
	"Your next transaction will unlock hidden treasures.",
	"The cryptographic winds blow in your favor.",
	"A decentralized future awaits your participation.",
	"Your private keys will unlock doors to abundance.",
	"The blockchain remembers your good deeds - rewards follow.",
	"A wise trader you shall become, young padawan.",
	"Your digital footprint leads to golden opportunities.",
	"The metaverse calls your name - answer with courage.",
}

var categories = []string{
	"Love", "Wealth", "Health", "Career", "Adventure", "Wisdom", "Luck", "Success",
}

// Draw picks a random fortune. Price is the human-unit amount the caller
// paid, echoed back in the payload.
func Draw(price float64) Fortune {
	return Fortune{
		Fortune:     fortunes[rand.IntN(len(fortunes))],
		Category:    categories[rand.IntN(len(categories))],
		LuckyNumber: rand.IntN(100) + 1,
		Price:       price,
	}
}
