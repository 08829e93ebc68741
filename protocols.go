package chromicpdf

import (
	"github.com/chromedp/cdproto"

	"github.com/xaviRodri/chromic-pdf/common"
)

// navigateSteps loads the url from the invocation's initial params and
// waits until its frame has stopped loading. Shared by the print and
// screenshot protocols through Include.
var navigateSteps = common.StepList{
	common.Call{
		Method: cdproto.CommandPageNavigate,
		Params: func(s common.State) interface{} {
			url, _ := s.Get("url")
			return map[string]interface{}{"url": url}
		},
	},
	common.AwaitResponse{Extract: map[string]string{"frameId": "frameId"}},
	common.AwaitEvent{
		Method: cdproto.EventPageFrameStoppedLoading,
		Match: func(state, event common.State) bool {
			want, _ := state.Get("frameId")
			got, _ := event.Get("frameId")
			return want == got
		},
	},
}

// resetSteps parks the session on a blank page so the next checkout
// starts clean. Fire-and-forget: the invocation's result is already
// captured at this point.
var resetSteps = common.StepList{
	common.Call{
		Method: cdproto.CommandPageNavigate,
		Params: func(common.State) interface{} {
			return map[string]interface{}{"url": common.BlankPage}
		},
		NoReply: true,
	},
}

var printToPDF = common.NewProtocol("printToPDF", common.StepList{
	common.Include{Steps: navigateSteps},
	common.Call{
		Method: cdproto.CommandPagePrintToPDF,
		Params: func(s common.State) interface{} {
			if opts, ok := s.Get("printOptions"); ok {
				return opts
			}
			return map[string]interface{}{}
		},
	},
	common.AwaitResponse{Extract: map[string]string{"data": "data"}},
	common.Include{Steps: resetSteps},
	common.Output{Key: "data"},
})

var captureScreenshot = common.NewProtocol("captureScreenshot", common.StepList{
	common.Include{Steps: navigateSteps},
	common.Call{
		Method: cdproto.CommandPageCaptureScreenshot,
		Params: func(s common.State) interface{} {
			if opts, ok := s.Get("screenshotOptions"); ok {
				return opts
			}
			return map[string]interface{}{}
		},
	},
	common.AwaitResponse{Extract: map[string]string{"data": "data"}},
	common.Include{Steps: resetSteps},
	common.Output{Key: "data"},
})
