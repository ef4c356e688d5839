package docanalysis

// SamplePages is a short services agreement that passes every gate. The
// CLI demo and the tests run it.
var SamplePages = []string{
	"This Master Services Agreement is entered into on 2024-03-01 between Acme Inc and Globex Corp. " +
		"The term of this Agreement shall commence on the effective date and remain in effect for three years. " +
		"Either party may terminate this Agreement upon ninety days written notice. " +
		"Fees are payable within thirty days of invoice and all payment obligations survive termination.",
	"Each party shall keep the Confidential Information of the other party strictly confidential. " +
		"The Supplier warrants that the services will be performed in a professional and workmanlike manner. " +
		"Neither party may assign this Agreement without the prior written consent of the other party. " +
		"All intellectual property created under this Agreement remains with the Supplier.",
	"The total liability of either party is limited to the fees paid in the preceding twelve months. " +
		"Each party shall indemnify the other on a mutual basis against third party claims arising from its breach. " +
		"The governing law of this Agreement is the law of the State of New York. " +
		"Any dispute shall be resolved by binding arbitration in New York. " +
		"Customer is not bound by any exclusivity or non-compete obligation. " +
		"Pricing may be adjusted once per year by no more than three percent.",
}

// SampleSeed returns the initial record data for a document at path made of
// pages.
func SampleSeed(path string, pages []string) map[string]any {
	list := make([]any, len(pages))
	for i, p := range pages {
		list[i] = p
	}
	return map[string]any{
		KeyDocumentPath: path,
		KeyPages:        list,
	}
}
