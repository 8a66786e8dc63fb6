package mq

// MessageHandler is called by the router when it delivers msg to sess.
type MessageHandler func(sess *Session, msg *Message)

// HandlerInterceptor is a function that wraps a MessageHandler.
// It allows cross-cutting concerns like logging, metrics, or tracing
// to be applied to every delivery the router makes to a subscriber.
//
// Example (logging):
//
//	func LoggingInterceptor(next mq.MessageHandler) mq.MessageHandler {
//	    return func(sess *mq.Session, msg *mq.Message) {
//	        log.Printf("delivering to %s on %s", sess.ClientID(), msg.Topic)
//	        next(sess, msg)
//	    }
//	}
type HandlerInterceptor func(MessageHandler) MessageHandler

// PublishFunc matches the signature of Router.Publish.
type PublishFunc func(msg *Message) error

// PublishInterceptor is a function that wraps a PublishFunc.
// It allows cross-cutting concerns (rate limiting, auditing, payload
// rewriting) to be applied to every publish the router accepts, before
// fan-out, retained-store update, archiving, or cluster emission happen.
//
// Example (auditing):
//
//	func AuditInterceptor(next mq.PublishFunc) mq.PublishFunc {
//	    return func(msg *mq.Message) error {
//	        audit.Log(msg.Topic, len(msg.Payload))
//	        return next(msg)
//	    }
//	}
type PublishInterceptor func(PublishFunc) PublishFunc

// applyHandlerInterceptors wraps a MessageHandler with multiple interceptors.
func applyHandlerInterceptors(handler MessageHandler, interceptors []HandlerInterceptor) MessageHandler {
	for i := len(interceptors) - 1; i >= 0; i-- {
		handler = interceptors[i](handler)
	}
	return handler
}

// applyPublishInterceptors wraps a PublishFunc with multiple interceptors.
func applyPublishInterceptors(publish PublishFunc, interceptors []PublishInterceptor) PublishFunc {
	for i := len(interceptors) - 1; i >= 0; i-- {
		publish = interceptors[i](publish)
	}
	return publish
}
